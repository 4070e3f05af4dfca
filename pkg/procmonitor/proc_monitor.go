// Package procmonitor drives the agent's event loop: one subscribed proc
// connector channel, decoded and dispatched strictly in arrival order.
package procmonitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"

	"github.com/kubescape/cgrules-agent/pkg/credentials"
	"github.com/kubescape/cgrules-agent/pkg/dispatcher"
	"github.com/kubescape/cgrules-agent/pkg/metricsmanager"
	"github.com/kubescape/cgrules-agent/pkg/procconnector"
)

// ConnectFunc opens the event channel. Production wires
// procconnector.Connect; tests script their own channel.
type ConnectFunc func() (procconnector.Channel, error)

// Status is a point-in-time snapshot of the monitor's counters.
type Status struct {
	IsRunning        bool
	EventsReceived   uint64
	EventsIgnored    uint64
	EventsDispatched uint64
	EventsDropped    uint64
	ReceivesLost     uint64
}

// ProcMonitor owns the channel for the daemon's lifetime and runs the
// receive/decode/resolve/dispatch pipeline on a single goroutine. All
// per-event failures are contained; only a transport error ends the loop,
// surfaced through FatalErrors.
type ProcMonitor struct {
	connect    ConnectFunc
	resolver   *credentials.Resolver
	dispatcher *dispatcher.Dispatcher
	metrics    metricsmanager.MetricsManager
	bufSize    int

	channel procconnector.Channel
	reader  *procconnector.Reader

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.Mutex
	running bool
	fatal   chan error

	received   atomic.Uint64
	ignored    atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	lost       atomic.Uint64
}

func NewProcMonitor(connect ConnectFunc, resolver *credentials.Resolver, disp *dispatcher.Dispatcher, metrics metricsmanager.MetricsManager, bufSize int) *ProcMonitor {
	return &ProcMonitor{
		connect:    connect,
		resolver:   resolver,
		dispatcher: disp,
		metrics:    metrics,
		bufSize:    bufSize,
		fatal:      make(chan error, 1),
	}
}

// Start establishes the channel once and begins listening. A failure to
// establish is fatal and returned to the caller before any event is read.
func (m *ProcMonitor) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return fmt.Errorf("proc monitor is already running")
	}

	channel, err := m.connect()
	if err != nil {
		return fmt.Errorf("establishing proc connector channel: %w", err)
	}
	m.channel = channel
	m.reader = procconnector.NewReader(channel, m.bufSize, func() {
		m.lost.Add(1)
		m.metrics.ReportEventsLost()
	})

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.listen()

	m.running = true
	logger.L().Info("proc monitor started, listening for credential change events")
	return nil
}

// Stop closes the channel, which unblocks the receive, and waits for the
// listen goroutine to drain.
func (m *ProcMonitor) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}

	m.cancel()
	err := m.channel.Close()
	m.wg.Wait()

	m.running = false
	logger.L().Info("proc monitor stopped")
	return err
}

// FatalErrors delivers the transport error that ended the loop, if any.
func (m *ProcMonitor) FatalErrors() <-chan error {
	return m.fatal
}

// Stats returns a snapshot of the monitor's counters.
func (m *ProcMonitor) Stats() Status {
	m.mutex.Lock()
	running := m.running
	m.mutex.Unlock()

	return Status{
		IsRunning:        running,
		EventsReceived:   m.received.Load(),
		EventsIgnored:    m.ignored.Load(),
		EventsDispatched: m.dispatched.Load(),
		EventsDropped:    m.dropped.Load(),
		ReceivesLost:     m.lost.Load(),
	}
}

func (m *ProcMonitor) listen() {
	defer m.wg.Done()

	for {
		frames, err := m.reader.NextBatch()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			logger.L().Error("transport error on proc connector channel", helpers.Error(err))
			select {
			case m.fatal <- err:
			default:
			}
			return
		}

		// frames alias the reader's buffer, so the whole batch is
		// consumed before the next receive
		for _, frame := range frames {
			m.processFrame(frame)
		}

		if m.ctx.Err() != nil {
			return
		}
	}
}

func (m *ProcMonitor) processFrame(frame procconnector.RawFrame) {
	ev, err := procconnector.DecodeFrame(frame)
	if err != nil {
		logger.L().Warning("dropping undecodable frame", helpers.Error(err))
		m.dropped.Add(1)
		return
	}

	m.received.Add(1)
	m.metrics.ReportEvent(ev.Kind)

	var snap credentials.Snapshot
	switch ev.Kind {
	case procconnector.EventUIDChange:
		logger.L().Debug("UID change event",
			helpers.Int("pid", int(ev.Pid)),
			helpers.Int("tgid", int(ev.Tgid)),
			helpers.Int("ruid", int(ev.Real)),
			helpers.Int("euid", int(ev.Effective)))
		snap, err = m.resolver.GIDs(int(ev.Pid))
	case procconnector.EventGIDChange:
		logger.L().Debug("GID change event",
			helpers.Int("pid", int(ev.Pid)),
			helpers.Int("tgid", int(ev.Tgid)),
			helpers.Int("rgid", int(ev.Real)),
			helpers.Int("egid", int(ev.Effective)))
		snap, err = m.resolver.UIDs(int(ev.Pid))
	default:
		m.ignored.Add(1)
		return
	}

	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			logger.L().Debug("process gone before status lookup, dropping event",
				helpers.Int("pid", int(ev.Pid)))
		} else {
			logger.L().Warning("status lookup failed, dropping event",
				helpers.Int("pid", int(ev.Pid)),
				helpers.Error(err))
		}
		m.dropped.Add(1)
		m.metrics.ReportLookupMiss()
		return
	}

	if err := m.dispatcher.Dispatch(ev, snap); err == nil {
		m.dispatched.Add(1)
	}
}
