// Package dispatcher assembles reassignment requests and hands them to the
// rules engine.
package dispatcher

import (
	"errors"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kubescape/cgrules-agent/pkg/credentials"
	"github.com/kubescape/cgrules-agent/pkg/metricsmanager"
	"github.com/kubescape/cgrules-agent/pkg/procconnector"
	"github.com/kubescape/cgrules-agent/pkg/rulesengine"
)

type Dispatcher struct {
	engine  rulesengine.RulesEngine
	metrics metricsmanager.MetricsManager
}

func NewDispatcher(engine rulesengine.RulesEngine, metrics metricsmanager.MetricsManager) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		metrics: metrics,
	}
}

// Dispatch pairs the event's effective credential with the complementary
// half from the snapshot and invokes the rules engine synchronously. An
// engine failure is logged with its code and reported as a per-event
// outcome; it never propagates as a daemon fault.
func (d *Dispatcher) Dispatch(ev procconnector.ProcEvent, snap credentials.Snapshot) error {
	var uid, gid uint32
	switch ev.Kind {
	case procconnector.EventUIDChange:
		uid, gid = ev.Effective, snap.Effective
	case procconnector.EventGIDChange:
		uid, gid = snap.Effective, ev.Effective
	default:
		logger.L().Warning("dispatch called with a non-credential event",
			helpers.Int("what", int(ev.What)))
		return nil
	}

	pid := int(ev.Pid)
	logger.L().Info("attempting to change cgroup",
		helpers.Int("pid", pid),
		helpers.Int("uid", int(uid)),
		helpers.Int("gid", int(gid)))

	if err := d.engine.Reassign(uid, gid, pid, rulesengine.FlagUseCache); err != nil {
		code := -1
		var engineErr *rulesengine.EngineError
		if errors.As(err, &engineErr) {
			code = engineErr.Code
		}
		logger.L().Warning("cgroup reassignment failed",
			helpers.Int("pid", pid),
			helpers.Int("uid", int(uid)),
			helpers.Int("gid", int(gid)),
			helpers.Int("code", code),
			helpers.Error(err))
		d.metrics.ReportReassignmentFailed()
		return err
	}

	logger.L().Info("cgroup reassignment ok",
		helpers.Int("pid", pid),
		helpers.Int("uid", int(uid)),
		helpers.Int("gid", int(gid)))
	d.metrics.ReportReassignment()
	return nil
}
