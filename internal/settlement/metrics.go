package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_operations_total",
		Help: "Settlement operations by type and outcome",
	}, []string{"type", "outcome"})

	reconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_reconciled_total",
		Help: "Stuck SUBMITTED operations resolved by the reconciler",
	}, []string{"resolution"})
)
