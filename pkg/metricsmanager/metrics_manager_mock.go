package metricsmanager

import (
	"sync/atomic"

	"github.com/kubescape/cgrules-agent/pkg/procconnector"
)

var _ MetricsManager = (*MetricsMock)(nil)

type MetricsMock struct {
	UIDEventCounter        atomic.Int32
	GIDEventCounter        atomic.Int32
	IgnoredEventCounter    atomic.Int32
	EventsLostCounter      atomic.Int32
	LookupMissCounter      atomic.Int32
	ReassignmentCounter    atomic.Int32
	ReassignFailureCounter atomic.Int32
}

func NewMetricsMock() *MetricsMock {
	return &MetricsMock{}
}

func (m *MetricsMock) Start() {
}

func (m *MetricsMock) Destroy() {
	m.UIDEventCounter.Store(0)
	m.GIDEventCounter.Store(0)
	m.IgnoredEventCounter.Store(0)
	m.EventsLostCounter.Store(0)
	m.LookupMissCounter.Store(0)
	m.ReassignmentCounter.Store(0)
	m.ReassignFailureCounter.Store(0)
}

func (m *MetricsMock) ReportEvent(kind procconnector.EventKind) {
	switch kind {
	case procconnector.EventUIDChange:
		m.UIDEventCounter.Add(1)
	case procconnector.EventGIDChange:
		m.GIDEventCounter.Add(1)
	default:
		m.IgnoredEventCounter.Add(1)
	}
}

func (m *MetricsMock) ReportEventsLost() {
	m.EventsLostCounter.Add(1)
}

func (m *MetricsMock) ReportLookupMiss() {
	m.LookupMissCounter.Add(1)
}

func (m *MetricsMock) ReportReassignment() {
	m.ReassignmentCounter.Add(1)
}

func (m *MetricsMock) ReportReassignmentFailed() {
	m.ReassignFailureCounter.Add(1)
}
