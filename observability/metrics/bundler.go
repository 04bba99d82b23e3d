package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BundlerMetrics tracks the write path: admissions, settled payments and
// pipeline stage outcomes. Exposed on /bundler_metrics in Prometheus text
// format.
type BundlerMetrics struct {
	uploadsAdmitted   *prometheus.CounterVec
	uploadsRejected   *prometheus.CounterVec
	paymentsSettled   *prometheus.CounterVec
	bytesAdmitted     prometheus.Counter
	multipartSessions *prometheus.CounterVec
	receiptsSigned    prometheus.Counter
}

var (
	bundlerOnce     sync.Once
	bundlerRegistry *BundlerMetrics
)

// Bundler returns the process-wide bundler metrics, registering the
// collectors on first use.
func Bundler() *BundlerMetrics {
	bundlerOnce.Do(func() {
		bundlerRegistry = &BundlerMetrics{
			uploadsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bundler_uploads_admitted_total",
				Help: "Count of admitted data items by payment mode.",
			}, []string{"mode"}),
			uploadsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bundler_uploads_rejected_total",
				Help: "Count of rejected uploads by reason.",
			}, []string{"reason"}),
			paymentsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bundler_payments_settled_total",
				Help: "Count of settled x402 payments by network.",
			}, []string{"network"}),
			bytesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bundler_bytes_admitted_total",
				Help: "Raw bytes written to the object store on admission.",
			}),
			multipartSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bundler_multipart_sessions_total",
				Help: "Multipart session outcomes by terminal state.",
			}, []string{"state"}),
			receiptsSigned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bundler_receipts_signed_total",
				Help: "Signed receipts returned to uploaders.",
			}),
		}
		prometheus.MustRegister(
			bundlerRegistry.uploadsAdmitted,
			bundlerRegistry.uploadsRejected,
			bundlerRegistry.paymentsSettled,
			bundlerRegistry.bytesAdmitted,
			bundlerRegistry.multipartSessions,
			bundlerRegistry.receiptsSigned,
		)
	})
	return bundlerRegistry
}

// UploadAdmitted records an admitted data item and its raw size.
func (m *BundlerMetrics) UploadAdmitted(mode string, bytes int64) {
	if m == nil {
		return
	}
	m.uploadsAdmitted.WithLabelValues(mode).Inc()
	if bytes > 0 {
		m.bytesAdmitted.Add(float64(bytes))
	}
}

// UploadRejected records a refused upload by reason.
func (m *BundlerMetrics) UploadRejected(reason string) {
	if m == nil {
		return
	}
	m.uploadsRejected.WithLabelValues(reason).Inc()
}

// PaymentSettled records one settled payment on a network.
func (m *BundlerMetrics) PaymentSettled(network string) {
	if m == nil {
		return
	}
	m.paymentsSettled.WithLabelValues(network).Inc()
}

// MultipartSession records a terminal multipart state.
func (m *BundlerMetrics) MultipartSession(state string) {
	if m == nil {
		return
	}
	m.multipartSessions.WithLabelValues(state).Inc()
}

// ReceiptSigned records a signed receipt handed to an uploader.
func (m *BundlerMetrics) ReceiptSigned() {
	if m == nil {
		return
	}
	m.receiptsSigned.Inc()
}
