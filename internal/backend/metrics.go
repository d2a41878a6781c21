package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployrt_backend_inference_seconds",
			Help:    "Duration of a single engine Infer call, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	inferenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployrt_backend_inference_errors_total",
			Help: "Total number of failed engine Infer calls.",
		},
		[]string{"backend"},
	)

	openHandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deployrt_backend_open_handles",
			Help: "Number of loaded engine handles that have not been closed.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(inferenceDuration)
	prometheus.MustRegister(inferenceErrors)
	prometheus.MustRegister(openHandles)
}
