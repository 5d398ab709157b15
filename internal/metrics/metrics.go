// Package metrics holds the Prometheus collectors of the classification pipeline.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Packet results used as the "result" label of godpi_packets_total.
const (
	ResultClassified  = "classified"
	ResultUnsupported = "unsupported"
	ResultFragmented  = "fragmented"
	ResultMalformed   = "malformed"
	ResultError       = "error"
)

var (
	registerOnce sync.Once

	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "godpi",
			Name:      "packets_total",
			Help:      "Packets seen by the classifier, by result.",
		},
		[]string{"result"},
	)
	flowsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "godpi",
			Name:      "flows_created_total",
			Help:      "Flow records created.",
		},
	)
	flowsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "godpi",
			Name:      "flows_completed_total",
			Help:      "Flows whose verdict became final, by protocol.",
		},
		[]string{"protocol"},
	)
	flowsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "godpi",
			Name:      "flows_evicted_total",
			Help:      "Flow records removed after being idle.",
		},
	)
	engineCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "godpi",
			Name:      "engine_calls_total",
			Help:      "Calls into the detection engine.",
		},
	)
	activeFlows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "godpi",
			Name:      "active_flows",
			Help:      "Flow records held per classification context.",
		},
		[]string{"context"},
	)
)

// Register registers every collector with the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(packets, flowsCreated, flowsCompleted, flowsEvicted, engineCalls, activeFlows)
	})
}

func RecordPacket(result string) {
	Register()
	packets.WithLabelValues(result).Inc()
}

func RecordFlowCreated() {
	Register()
	flowsCreated.Inc()
}

func RecordFlowCompleted(protocol string) {
	Register()
	flowsCompleted.WithLabelValues(protocol).Inc()
}

func RecordFlowsEvicted(n int) {
	Register()
	flowsEvicted.Add(float64(n))
}

func RecordEngineCall() {
	Register()
	engineCalls.Inc()
}

func SetActiveFlows(context, n int) {
	Register()
	activeFlows.WithLabelValues(strconv.Itoa(context)).Set(float64(n))
}
