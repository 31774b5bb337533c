package bill

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records recognition, extraction and session counts.
// A nil *Metrics records nothing.
type Metrics struct {
	recognitions        *prometheus.CounterVec
	recognitionDuration prometheus.Histogram
	cacheHits           prometheus.Counter
	extractedItems      prometheus.Histogram
	sessions            prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billsplit",
			Name:      "recognitions_total",
			Help:      "Receipt uploads by recognition result (ok, error).",
		}, []string{"result"}),
		recognitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "billsplit",
			Name:      "recognition_duration_seconds",
			Help:      "Time spent reading receipt text.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billsplit",
			Name:      "recognition_cache_hits_total",
			Help:      "Uploads answered from the recognition cache.",
		}),
		extractedItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "billsplit",
			Name:      "extracted_items",
			Help:      "Items extracted per receipt.",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "billsplit",
			Name:      "sessions",
			Help:      "Live bill sessions.",
		}),
	}
	reg.MustRegister(m.recognitions, m.recognitionDuration, m.cacheHits, m.extractedItems, m.sessions)
	return m
}

func (m *Metrics) observeRecognition(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.recognitions.WithLabelValues(result).Inc()
	m.recognitionDuration.Observe(d.Seconds())
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) observeExtraction(items int) {
	if m == nil {
		return
	}
	m.extractedItems.Observe(float64(items))
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
