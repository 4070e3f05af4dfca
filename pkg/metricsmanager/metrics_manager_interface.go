package metricsmanager

import "github.com/kubescape/cgrules-agent/pkg/procconnector"

// MetricsManager is an interface for reporting metrics
type MetricsManager interface {
	Start()
	Destroy()
	ReportEvent(kind procconnector.EventKind)
	ReportEventsLost()
	ReportLookupMiss()
	ReportReassignment()
	ReportReassignmentFailed()
}
