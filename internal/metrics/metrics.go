package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interp_cache_lookups_total",
		Help: "Cache lookups by result (hit, partial, miss, stale)",
	}, []string{"kind", "result"})

	CacheRowsReused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp_cache_rows_reused_total",
		Help: "Rows served from an existing cache entry instead of being recomputed",
	})

	CacheBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp_cache_bytes_written_total",
		Help: "Bytes written to cache files",
	})

	CacheWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interp_cache_write_duration_seconds",
		Help:    "Time spent persisting a cache entry",
		Buckets: prometheus.DefBuckets,
	})

	Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interp_checkpoints_total",
		Help: "Cache checkpoints written, by reason",
	}, []string{"reason"})

	RowsEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp_rows_encoded_total",
		Help: "Texts encoded into SAE feature activations",
	})

	TokensEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interp_tokens_encoded_total",
		Help: "Unmasked tokens passed through the SAE",
	})

	EncodeBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interp_encode_batch_duration_seconds",
		Help:    "Duration of one encode batch, by stage",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"stage"})

	BatchSequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interp_batch_sequence_length_tokens",
		Help:    "Padded sequence length of encode batches",
		Buckets: []float64{8, 32, 128, 256, 512, 1024, 2048, 4096},
	})

	FeatureDensity = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interp_feature_density",
		Help:    "Fraction of non-zero SAE features per token",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	NonFiniteActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interp_nonfinite_activations_total",
		Help: "NaN/Inf values found in model activations",
	}, []string{"hook", "type"})

	ModelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interp_model_loads_total",
		Help: "Language model and SAE loads",
	}, []string{"component"})

	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interp_embedding_requests_total",
		Help: "Embedding API requests, by status",
	}, []string{"status"})

	EmbeddingRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interp_embedding_request_duration_seconds",
		Help:    "Latency of embedding API requests",
		Buckets: prometheus.DefBuckets,
	})

	MirrorTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interp_mirror_transfers_total",
		Help: "Cache mirror transfers, by direction and status",
	}, []string{"direction", "status"})

	FlightRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interp_flight_records_total",
		Help: "Arrow Flight records exchanged, by operation",
	}, []string{"operation"})
)

func RecordCacheLookup(kind, result string) {
	CacheLookups.WithLabelValues(kind, result).Inc()
}

func RecordRowsReused(n int) {
	if n > 0 {
		CacheRowsReused.Add(float64(n))
	}
}

func RecordCacheWrite(bytes int64, duration time.Duration) {
	CacheBytesWritten.Add(float64(bytes))
	CacheWriteDuration.Observe(duration.Seconds())
}

func RecordCheckpoint(reason string) {
	Checkpoints.WithLabelValues(reason).Inc()
}

// RecordEncodeBatch records one batch: texts, unmasked tokens, padded length.
func RecordEncodeBatch(rows, tokens, seqLen int) {
	RowsEncoded.Add(float64(rows))
	TokensEncoded.Add(float64(tokens))
	BatchSequenceLength.Observe(float64(seqLen))
}

func RecordStage(stage string, duration time.Duration) {
	EncodeBatchDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordFeatureDensity(nnz, tokens, features int) {
	if tokens <= 0 || features <= 0 {
		return
	}
	FeatureDensity.Observe(float64(nnz) / float64(tokens*features))
}

func RecordNonFinite(hook string, nanCount, infCount int) {
	if nanCount > 0 {
		NonFiniteActivations.WithLabelValues(hook, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NonFiniteActivations.WithLabelValues(hook, "inf").Add(float64(infCount))
	}
}

func RecordModelLoad(component string) {
	ModelLoads.WithLabelValues(component).Inc()
}

func RecordEmbeddingRequest(err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	EmbeddingRequests.WithLabelValues(status).Inc()
	EmbeddingRequestDuration.Observe(duration.Seconds())
}

func RecordMirrorTransfer(direction string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	MirrorTransfers.WithLabelValues(direction, status).Inc()
}

func RecordFlight(operation string, records int) {
	FlightRecords.WithLabelValues(operation).Add(float64(records))
}
