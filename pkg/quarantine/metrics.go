package quarantine

import "github.com/prometheus/client_golang/prometheus"

var filesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hostwatch_quarantine_files_total",
		Help: "Files processed by quarantine, restore and purge runs",
	},
	[]string{"action", "result"},
)

func init() {
	prometheus.MustRegister(filesTotal)
}
