package keymanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationStatusCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keymanager_operation_statuses_total",
	Help: "Count of per-item statuses returned by key lifecycle operations",
}, []string{"operation", "status"})

func recordStatuses(operation string, statuses []KeyStatus) {
	for _, status := range statuses {
		operationStatusCounter.WithLabelValues(operation, string(status.Status)).Inc()
	}
}
