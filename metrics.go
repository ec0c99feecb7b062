package yatego

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session counters, exposed through the default registry so hosts only
// need to mount promhttp.
var (
	metricLinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "lines_read_total",
		Help:      "Protocol lines read from the engine.",
	})
	metricLinesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "lines_written_total",
		Help:      "Protocol lines written to the engine.",
	})
	metricDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "disconnects_total",
		Help:      "Engine socket losses.",
	})
	metricIncomingCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "incoming_calls_total",
		Help:      "Calls offered by the engine.",
	})
	metricOutgoingCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "outgoing_calls_total",
		Help:      "Calls started through MakeCall.",
	})
	metricAuthAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "auth_accepted_total",
		Help:      "user.auth requests answered positively.",
	})
	metricAuthRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "auth_rejected_total",
		Help:      "user.auth requests answered negatively.",
	})
	metricUserRegisters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "user_registers_total",
		Help:      "Accepted user.register messages.",
	})
	metricCarrierOnline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yatego",
		Name:      "carrier_online_total",
		Help:      "Carrier trunk registrations that came up.",
	})
)
