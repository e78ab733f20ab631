package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-interp/internal/logger"
)

const maxAlerts = 100

// HealthStatus is served on /status; /healthz returns only its status and
// timestamp.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Job       JobInfo       `json:"job"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// JobInfo describes the running command.
type JobInfo struct {
	Command     string    `json:"command"`
	Key         string    `json:"key,omitempty"`
	Done        int       `json:"done"`
	Total       int       `json:"total"`
	ProgressPct float64   `json:"progress_pct"`
	LastUpdate  time.Time `json:"last_update"`
}

type Alert struct {
	Level     string    `json:"level"` // warning, error, critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthMonitor struct {
	startTime time.Time
	server    *http.Server

	mu     sync.RWMutex
	job    JobInfo
	alerts []Alert
}

func NewHealthMonitor(command string) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		job:       JobInfo{Command: command},
	}
}

// Handler serves /healthz, /health, /status and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr and blocks until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// SetKey names the cache key being worked on.
func (hm *HealthMonitor) SetKey(key string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.job.Key = key
}

// SetProgress matches the dataset progress callback signature.
func (hm *HealthMonitor) SetProgress(done, total int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.job.Done, hm.job.Total = done, total
	hm.job.ProgressPct = 0
	if total > 0 {
		hm.job.ProgressPct = float64(done) / float64(total) * 100
	}
	hm.job.LastUpdate = time.Now()
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Timestamp: time.Now()})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

// Status is degraded with any error alert and critical with a critical one.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryMB:     int(m.Sys / 1024 / 1024),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
		Job:    hm.job,
		Alerts: alerts,
	}
}
