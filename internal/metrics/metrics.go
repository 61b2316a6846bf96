package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mamahealth",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Send turns by outcome",
		},
		[]string{"status"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mamahealth",
			Subsystem: "chat",
			Name:      "uploads_total",
			Help:      "Medical library uploads by outcome",
		},
		[]string{"status"},
	)

	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mamahealth",
			Subsystem: "chat",
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted into the medical library",
		},
	)

	AnalysisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mamahealth",
			Subsystem: "chat",
			Name:      "analysis_total",
			Help:      "Attachment analysis jobs by outcome and document type",
		},
		[]string{"outcome", "document_type"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mamahealth",
			Subsystem: "chat",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user limiter",
		},
		[]string{"action"},
	)

	LiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mamahealth",
			Subsystem: "chat",
			Name:      "live_streams",
			Help:      "Open conversation event streams",
		},
	)
)

// RecordTurn counts one send turn.
func RecordTurn(status string) {
	TurnsTotal.WithLabelValues(status).Inc()
}

// RecordUpload counts one upload and the accepted bytes on success.
func RecordUpload(status string, bytes int64) {
	UploadsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		UploadBytesTotal.Add(float64(bytes))
	}
}

func RecordAnalysis(outcome, documentType string) {
	if documentType == "" {
		documentType = "none"
	}
	AnalysisTotal.WithLabelValues(outcome, documentType).Inc()
}

func RecordRateLimited(action string) {
	RateLimitedTotal.WithLabelValues(action).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
