package flight

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// MockClient is an in-memory Client. Published records are kept by path;
// Fetch calls FetchFunc when set, else returns the records stored under the
// ticket as a path.
type MockClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string][]arrow.Record

	FetchFunc func(ctx context.Context, ticket []byte) ([]arrow.Record, error)
}

func NewMockClient() *MockClient {
	return &MockClient{data: make(map[string][]arrow.Record)}
}

func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockClient) Publish(ctx context.Context, path []string, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	key := strings.Join(path, "/")
	rec.Retain()
	m.data[key] = append(m.data[key], rec)
	return nil
}

func (m *MockClient) Fetch(ctx context.Context, ticket []byte) ([]arrow.Record, error) {
	m.mu.RLock()
	connected, fn := m.connected, m.FetchFunc
	m.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}
	if fn != nil {
		return fn(ctx, ticket)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.data[string(ticket)]
	if !ok {
		return nil, fmt.Errorf("flight: nothing stored under %q", ticket)
	}
	out := make([]arrow.Record, len(recs))
	for i, r := range recs {
		r.Retain()
		out[i] = r
	}
	return out, nil
}

// Stored returns the records published under path.
func (m *MockClient) Stored(path ...string) []arrow.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[strings.Join(path, "/")]
}

func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, recs := range m.data {
		Release(recs)
	}
	m.data = make(map[string][]arrow.Record)
}
