package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_agent_cycles_total",
			Help: "Agent detection cycles by result",
		},
		[]string{"result"},
	)
	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_events_processed_total",
			Help: "New event records evaluated per channel",
		},
		[]string{"channel"},
	)
	ruleMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_rule_matches_total",
			Help: "Events matched per rule",
		},
		[]string{"rule"},
	)
	channelMark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostwatch_channel_mark",
			Help: "Highest RecordId seen per channel",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, eventsProcessed, ruleMatches, channelMark)
}
