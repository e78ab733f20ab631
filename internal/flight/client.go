// Package flight wraps Apache Arrow Flight for two jobs: fetching hook
// activations from a remote model server and publishing pooled SAE
// features to a Flight endpoint.
package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
)

const DefaultTimeout = 30 * time.Second

var ErrNotConnected = errors.New("flight client not connected, call Connect() first")

// Client is the subset of Flight used here. FlightClient talks gRPC;
// MockClient serves tests.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	// Publish streams rec to the descriptor path.
	Publish(ctx context.Context, path []string, rec arrow.Record) error
	// Fetch returns every record of the ticket's stream. Callers release them.
	Fetch(ctx context.Context, ticket []byte) ([]arrow.Record, error)
}

type FlightClient struct {
	addr    string
	client  flight.Client
	timeout time.Duration
}

func NewFlightClient(addr string) *FlightClient {
	return &FlightClient{addr: addr, timeout: DefaultTimeout}
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect dials lazily; the first call surfaces connection errors.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client for %s: %w", fc.addr, err)
	}
	fc.client = client
	logger.Log.Debug("flight client ready", "addr", fc.addr)
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

func (fc *FlightClient) Publish(ctx context.Context, path []string, rec arrow.Record) error {
	if fc.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close DoPut stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	metrics.RecordFlight("put", int(rec.NumRows()))
	return nil
}

func (fc *FlightClient) Fetch(ctx context.Context, ticket []byte) ([]arrow.Record, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read DoGet stream: %w", err)
	}
	defer rdr.Release()

	var out []arrow.Record
	var rows int64
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		out = append(out, rec)
		rows += rec.NumRows()
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		Release(out)
		return nil, fmt.Errorf("DoGet stream failed: %w", err)
	}

	metrics.RecordFlight("get", int(rows))
	return out, nil
}

// Release drops every record in recs.
func Release(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}
