package ocrserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ocrMetrics bundles the collectors of one server instance. Each instance
// owns its registry so tests can build as many servers as they like.
type ocrMetrics struct {
	registry *prometheus.Registry

	inFlightGauge prometheus.Gauge
	counter       *prometheus.CounterVec
	// duration is partitioned by the HTTP method and handler. It uses custom
	// buckets based on the expected request duration.
	duration *prometheus.HistogramVec
	// requestSize has no labels, making it a zero-dimensional ObserverVec.
	requestSize *prometheus.HistogramVec

	inferenceDuration prometheus.Histogram
	inferenceFailures prometheus.Counter
	gateWaiting       prometheus.Gauge
}

func newOcrMetrics() *ocrMetrics {
	m := &ocrMetrics{
		registry: prometheus.NewRegistry(),
		inFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_in_flight_requests",
			Help: "Number of currently pending and processed requests.",
		}),
		counter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocr_api_requests_total",
				Help: "A counter for requests to the wrapped handler.",
			},
			[]string{"code", "method"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocr_request_duration_seconds",
				Help:    "A histogram of latencies for requests.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"handler", "method"},
		),
		requestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ocr_request_size_bytes",
				Help:    "A histogram of request sizes for requests.",
				Buckets: []float64{100, 1500, 5000000, 10000000, 25000000, 50000000},
			},
			[]string{},
		),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocr_inference_duration_seconds",
			Help:    "Time spent inside the OCR pipeline per request.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		inferenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocr_inference_failures_total",
			Help: "Number of pipeline calls that returned an error.",
		}),
		gateWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocr_inference_waiting_requests",
			Help: "Number of requests blocked waiting for the inference slot.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlightGauge, m.counter, m.duration, m.requestSize,
		m.inferenceDuration, m.inferenceFailures, m.gateWaiting,
	)
	return m
}

// instrument wraps handler to provide prometheus metrics
func (m *ocrMetrics) instrument(handlerName string, handler http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(m.inFlightGauge,
		promhttp.InstrumentHandlerDuration(m.duration.MustCurryWith(prometheus.Labels{"handler": handlerName}),
			promhttp.InstrumentHandlerCounter(m.counter,
				promhttp.InstrumentHandlerRequestSize(m.requestSize, handler),
			),
		),
	)
}

// handler exposes the registry for scraping
func (m *ocrMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
