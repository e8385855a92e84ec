package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cm_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the package or subsystem in which an unhandled panic happened.
type Panic string

const (
	Periodic  Panic = "periodic"
	Queue     Panic = "queue"
	Relayer   Panic = "smtpclient"
	Satellite Panic = "satellite"
	Master    Panic = "master"
	Cluster   Panic = "rpc"
	DSN       Panic = "dsn"
	Customize Panic = "customize"
	Webapi    Panic = "webapi"
	Serve     Panic = "serve"
)

func init() {
	// Make sure the labels are present, also without panics.
	for _, p := range []Panic{Periodic, Queue, Relayer, Satellite, Master, Cluster, DSN, Customize, Webapi, Serve} {
		metricPanic.WithLabelValues(string(p)).Add(0)
	}
}

func PanicInc(p Panic) {
	metricPanic.WithLabelValues(string(p)).Inc()
}
