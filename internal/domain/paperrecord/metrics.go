package paperrecord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperrecord_records_created_total",
		Help: "Paper records created in PENDING_CREATION.",
	})

	requestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperrecord_request_transitions_total",
		Help: "Paper record requests entering each status.",
	}, []string{"status"})

	assignmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperrecord_assignment_failures_total",
		Help: "Requests left unassigned by a batch assignment, by reason.",
	}, []string{"reason"})

	requestsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperrecord_requests_expired_total",
		Help: "Pending requests cancelled by expiry, by kind.",
	}, []string{"kind"})

	labelsPrinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperrecord_labels_printed_total",
		Help: "Labels sent to printers, by result.",
	}, []string{"result"})

	mergeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperrecord_merges_total",
		Help: "Record merge requests by stage.",
	}, []string{"stage"})
)
