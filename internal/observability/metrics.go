package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the messaging core.
type Metrics struct {
	// Message pipeline metrics
	MessagesSentTotal     *prometheus.CounterVec
	MessagesReceivedTotal prometheus.Counter
	SendDuration          prometheus.Histogram

	// Directory / key cache metrics
	DirectoryLookupsTotal   *prometheus.CounterVec
	DirectoryLookupDuration prometheus.Histogram
	KeyCacheLookupsTotal    *prometheus.CounterVec
	KeyUploadsTotal         *prometheus.CounterVec

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	DecryptFailuresTotal    prometheus.Counter

	// Reconciliation metrics
	ReconcileSweepsTotal      prometheus.Counter
	ReconcileTransitionsTotal *prometheus.CounterVec

	// Identity metrics
	IdentityActivationsTotal *prometheus.CounterVec

	// Realtime channel metrics
	RealtimeConnectsTotal *prometheus.CounterVec
	RealtimeConnected     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics. It must be called
// at most once per process; the default registry rejects duplicates.
func NewMetrics() *Metrics {
	m := &Metrics{
		MessagesSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_messages_sent_total",
				Help: "Outgoing messages by transport and result",
			},
			[]string{"transport", "result"},
		),

		MessagesReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veilchat_messages_received_total",
				Help: "Messages received over realtime or history",
			},
		),

		SendDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "veilchat_send_duration_seconds",
				Help:    "End-to-end send latency including fallback",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		DirectoryLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_directory_lookups_total",
				Help: "Directory public key lookups by outcome",
			},
			[]string{"result"},
		),

		DirectoryLookupDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "veilchat_directory_lookup_duration_seconds",
				Help:    "Directory lookup latency including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),

		KeyCacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_key_cache_lookups_total",
				Help: "Recipient key cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		KeyUploadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_key_uploads_total",
				Help: "Public key uploads to the directory by result",
			},
			[]string{"result"},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "veilchat_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		DecryptFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veilchat_decrypt_failures_total",
				Help: "Envelopes that failed authentication or decryption",
			},
		),

		ReconcileSweepsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veilchat_reconcile_sweeps_total",
				Help: "Transcript reconciliation sweeps",
			},
		),

		ReconcileTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_reconcile_transitions_total",
				Help: "Per-message reconciliation outcomes",
			},
			[]string{"outcome"},
		),

		IdentityActivationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_identity_activations_total",
				Help: "Identity store activations by result",
			},
			[]string{"result"},
		),

		RealtimeConnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_realtime_connects_total",
				Help: "Realtime channel connection attempts",
			},
			[]string{"result"},
		),

		RealtimeConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "veilchat_realtime_connected",
				Help: "Whether the realtime channel is currently up (0/1)",
			},
		),
	}

	return m
}

// RecordSend records one outgoing message attempt.
func (m *Metrics) RecordSend(transport string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MessagesSentTotal.WithLabelValues(transport, result).Inc()
	m.SendDuration.Observe(durationSeconds)
}

// RecordSendBlocked records a send stopped before any transport attempt.
func (m *Metrics) RecordSendBlocked() {
	m.MessagesSentTotal.WithLabelValues("none", "blocked").Inc()
}

// RecordDirectoryLookup records one completed directory fetch.
func (m *Metrics) RecordDirectoryLookup(result string, durationSeconds float64) {
	m.DirectoryLookupsTotal.WithLabelValues(result).Inc()
	m.DirectoryLookupDuration.Observe(durationSeconds)
}

// RecordKeyCacheLookup records a cache consultation outcome.
func (m *Metrics) RecordKeyCacheLookup(outcome string) {
	m.KeyCacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordKeyUpload records a public key upload attempt.
func (m *Metrics) RecordKeyUpload(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.KeyUploadsTotal.WithLabelValues(result).Inc()
}

// RecordCryptoOperation records one crypto primitive invocation.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordDecryptFailure increments the per-envelope failure counter.
func (m *Metrics) RecordDecryptFailure() {
	m.DecryptFailuresTotal.Inc()
}

// RecordReconcileSweep records one sweep with its per-message outcomes.
func (m *Metrics) RecordReconcileSweep(decrypted, failed int) {
	m.ReconcileSweepsTotal.Inc()
	m.ReconcileTransitionsTotal.WithLabelValues("decrypted").Add(float64(decrypted))
	m.ReconcileTransitionsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordIdentityActivation records the result of an identity activation.
func (m *Metrics) RecordIdentityActivation(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.IdentityActivationsTotal.WithLabelValues(result).Inc()
}

// RecordRealtimeConnect records a realtime connection attempt.
func (m *Metrics) RecordRealtimeConnect(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.RealtimeConnectsTotal.WithLabelValues(result).Inc()

	if success {
		m.RealtimeConnected.Set(1)
	}
}

// RecordRealtimeClose marks the realtime channel as down.
func (m *Metrics) RecordRealtimeClose() {
	m.RealtimeConnected.Set(0)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RelayMetrics holds the Prometheus metrics exposed by the reference relay.
type RelayMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ConnectedClients    prometheus.Gauge
	MessagesStoredTotal *prometheus.CounterVec
	PushesTotal         *prometheus.CounterVec
	RateLimitedTotal    prometheus.Counter
}

// NewRelayMetrics creates and registers the relay metrics. Like NewMetrics it
// must be called at most once per process.
func NewRelayMetrics() *RelayMetrics {
	return &RelayMetrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_relay_http_requests_total",
				Help: "Served HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "veilchat_relay_http_request_duration_seconds",
				Help:    "Request latency by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"route"},
		),

		ConnectedClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "veilchat_relay_connected_clients",
				Help: "Websocket clients currently attached to the hub",
			},
		),

		MessagesStoredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_relay_messages_stored_total",
				Help: "Messages accepted and persisted by channel",
			},
			[]string{"via"},
		),

		PushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veilchat_relay_pushes_total",
				Help: "Realtime pushes by event and delivery result",
			},
			[]string{"event", "result"},
		),

		RateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "veilchat_relay_rate_limited_total",
				Help: "Message sends rejected by the per-user rate limit",
			},
		),
	}
}

// RecordRequest records one served HTTP request.
func (m *RelayMetrics) RecordRequest(method, route string, status int, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// ClientConnected tracks a websocket client attaching to the hub.
func (m *RelayMetrics) ClientConnected() {
	m.ConnectedClients.Inc()
}

// ClientDisconnected tracks a websocket client leaving the hub.
func (m *RelayMetrics) ClientDisconnected() {
	m.ConnectedClients.Dec()
}

// RecordMessageStored records one persisted message by channel ("ws" or
// "rest").
func (m *RelayMetrics) RecordMessageStored(via string) {
	m.MessagesStoredTotal.WithLabelValues(via).Inc()
}

// RecordPush records a push attempt toward one recipient.
func (m *RelayMetrics) RecordPush(event, result string) {
	m.PushesTotal.WithLabelValues(event, result).Inc()
}

// RecordRateLimited records a send rejected by the rate limiter.
func (m *RelayMetrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.Handler()
}
