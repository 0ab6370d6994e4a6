package cafeloader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	steps          *prometheus.CounterVec
	recordsApplied prometheus.Counter
	bytesWritten   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		steps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cafeloader_steps_total",
			Help: "Start-of-process steps by outcome.",
		}, []string{"step", "outcome"}),
		recordsApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cafeloader_patch_records_applied_total",
			Help: "Patch records written to target memory.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cafeloader_bytes_written_total",
			Help: "Bytes written to target memory through the privileged path.",
		}),
	}
}
