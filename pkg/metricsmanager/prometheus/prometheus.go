package metricsmanager

import (
	"net/http"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubescape/cgrules-agent/pkg/metricsmanager"
	"github.com/kubescape/cgrules-agent/pkg/procconnector"
)

var _ metricsmanager.MetricsManager = (*PrometheusMetric)(nil)

type PrometheusMetric struct {
	uidEventCounter        prometheus.Counter
	gidEventCounter        prometheus.Counter
	ignoredEventCounter    prometheus.Counter
	eventsLostCounter      prometheus.Counter
	lookupMissCounter      prometheus.Counter
	reassignmentCounter    prometheus.Counter
	reassignFailureCounter prometheus.Counter
}

func NewPrometheusMetric() *PrometheusMetric {
	return &PrometheusMetric{
		uidEventCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cgrules_agent_uid_event_counter",
			Help: "The total number of effective-UID change events received from the proc connector",
		}),
		gidEventCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cgrules_agent_gid_event_counter",
			Help: "The total number of effective-GID change events received from the proc connector",
		}),
		ignoredEventCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cgrules_agent_ignored_event_counter",
			Help: "The total number of proc connector events of kinds the agent does not act on",
		}),
		eventsLostCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cgrules_agent_events_lost_counter",
			Help: "The total number of overflowed receives in which the kernel dropped events",
		}),
		lookupMissCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cgrules_agent_lookup_miss_counter",
			Help: "The total number of events dropped because the process vanished before its status could be read",
		}),
		reassignmentCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cgrules_agent_reassignment_counter",
			Help: "The total number of reassignment requests accepted by the rules engine",
		}),
		reassignFailureCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cgrules_agent_reassignment_failure_counter",
			Help: "The total number of reassignment requests the rules engine failed",
		}),
	}
}

func (p *PrometheusMetric) Start() {
	// Start prometheus metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.L().Info("prometheus metrics server started", helpers.Int("port", 8080), helpers.String("path", "/metrics"))
		logger.L().Fatal(http.ListenAndServe(":8080", nil).Error())
	}()
}

func (p *PrometheusMetric) Destroy() {
	prometheus.Unregister(p.uidEventCounter)
	prometheus.Unregister(p.gidEventCounter)
	prometheus.Unregister(p.ignoredEventCounter)
	prometheus.Unregister(p.eventsLostCounter)
	prometheus.Unregister(p.lookupMissCounter)
	prometheus.Unregister(p.reassignmentCounter)
	prometheus.Unregister(p.reassignFailureCounter)
}

func (p *PrometheusMetric) ReportEvent(kind procconnector.EventKind) {
	switch kind {
	case procconnector.EventUIDChange:
		p.uidEventCounter.Inc()
	case procconnector.EventGIDChange:
		p.gidEventCounter.Inc()
	default:
		p.ignoredEventCounter.Inc()
	}
}

func (p *PrometheusMetric) ReportEventsLost() {
	p.eventsLostCounter.Inc()
}

func (p *PrometheusMetric) ReportLookupMiss() {
	p.lookupMissCounter.Inc()
}

func (p *PrometheusMetric) ReportReassignment() {
	p.reassignmentCounter.Inc()
}

func (p *PrometheusMetric) ReportReassignmentFailed() {
	p.reassignFailureCounter.Inc()
}
