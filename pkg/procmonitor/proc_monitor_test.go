package procmonitor

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubescape/cgrules-agent/pkg/credentials"
	"github.com/kubescape/cgrules-agent/pkg/dispatcher"
	"github.com/kubescape/cgrules-agent/pkg/metricsmanager"
	"github.com/kubescape/cgrules-agent/pkg/procconnector"
	"github.com/kubescape/cgrules-agent/pkg/rulesengine"
)

const (
	nlHdrLen = 16
	envLen   = 20
	evHdrLen = 16
	idRecLen = 16
)

// eventMessage serializes one netlink message carrying a proc event the way
// the kernel connector does. The frame uses a plain message type so any
// number of frames can sit back to back in one receive.
func eventMessage(what, pid, tgid, real, effective uint32) []byte {
	inner := make([]byte, evHdrLen+idRecLen)
	binary.NativeEndian.PutUint32(inner[0:4], what)
	binary.NativeEndian.PutUint32(inner[16:20], pid)
	binary.NativeEndian.PutUint32(inner[20:24], tgid)
	binary.NativeEndian.PutUint32(inner[24:28], real)
	binary.NativeEndian.PutUint32(inner[28:32], effective)

	msg := make([]byte, nlHdrLen+envLen+len(inner))
	binary.NativeEndian.PutUint32(msg[0:4], uint32(len(msg)))
	binary.NativeEndian.PutUint16(msg[4:6], 0x14)
	env := msg[nlHdrLen:]
	binary.NativeEndian.PutUint32(env[0:4], procconnector.CnIdxProc)
	binary.NativeEndian.PutUint32(env[4:8], procconnector.CnValProc)
	binary.NativeEndian.PutUint16(env[16:18], uint16(len(inner)))
	copy(env[envLen:], inner)
	return msg
}

// concat joins messages into one receive's worth of back-to-back frames.
func concat(msgs ...[]byte) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, m...)
	}
	return out
}

var errChannelClosed = errors.New("scripted channel closed")

type scriptStep struct {
	data []byte
	gate chan struct{} // if non-nil, the receive blocks until closed
}

// scriptedChannel replays receives, then blocks until closed.
type scriptedChannel struct {
	mu        sync.Mutex
	steps     []scriptStep
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedChannel(steps ...scriptStep) *scriptedChannel {
	return &scriptedChannel{steps: steps, closed: make(chan struct{})}
}

func (s *scriptedChannel) Receive(buf []byte) (int, error) {
	s.mu.Lock()
	if len(s.steps) == 0 {
		s.mu.Unlock()
		<-s.closed
		return 0, errChannelClosed
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.gate != nil {
		select {
		case <-step.gate:
		case <-s.closed:
			return 0, errChannelClosed
		}
	}
	return copy(buf, step.data), nil
}

func (s *scriptedChannel) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func writeStatus(t *testing.T, procRoot string, pid int, uidLine, gidLine string) {
	t.Helper()
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "Name:\ttest-proc\n" + uidLine + "\n" + gidLine + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(content), 0o644))
}

func newMonitor(t *testing.T, procRoot string, ch procconnector.Channel) (*ProcMonitor, *rulesengine.EngineMock, *metricsmanager.MetricsMock) {
	t.Helper()
	resolver, err := credentials.NewResolver(procRoot)
	require.NoError(t, err)

	engine := rulesengine.NewEngineMock()
	metrics := metricsmanager.NewMetricsMock()
	disp := dispatcher.NewDispatcher(engine, metrics)

	connect := func() (procconnector.Channel, error) { return ch, nil }
	return NewProcMonitor(connect, resolver, disp, metrics, procconnector.DefaultBufferSize), engine, metrics
}

func TestEndToEndOtherThenGIDChange(t *testing.T) {
	procRoot := t.TempDir()
	writeStatus(t, procRoot, 55, "Uid:\t500\t600\t500\t500", "Gid:\t10\t20\t10\t10")

	ch := newScriptedChannel(
		scriptStep{data: eventMessage(procconnector.ProcEventFork, 99, 99, 0, 0)},
		scriptStep{data: eventMessage(procconnector.ProcEventGID, 55, 55, 10, 20)},
	)
	m, engine, _ := newMonitor(t, procRoot, ch)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop()) }()

	require.Eventually(t, func() bool { return len(engine.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	calls := engine.Calls()
	assert.Equal(t, uint32(600), calls[0].UID)
	assert.Equal(t, uint32(20), calls[0].GID)
	assert.Equal(t, 55, calls[0].Pid)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.EventsReceived)
	assert.Equal(t, uint64(1), stats.EventsIgnored)
	assert.Equal(t, uint64(1), stats.EventsDispatched)
}

func TestUIDChangeResolvesEffectiveGID(t *testing.T) {
	procRoot := t.TempDir()
	writeStatus(t, procRoot, 100, "Uid:\t1000\t2000\t1000\t1000", "Gid:\t30\t40\t30\t30")

	ch := newScriptedChannel(
		scriptStep{data: eventMessage(procconnector.ProcEventUID, 100, 100, 1000, 2000)},
	)
	m, engine, _ := newMonitor(t, procRoot, ch)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop()) }()

	require.Eventually(t, func() bool { return len(engine.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	calls := engine.Calls()
	assert.Equal(t, uint32(2000), calls[0].UID)
	assert.Equal(t, uint32(40), calls[0].GID)
	assert.Equal(t, 100, calls[0].Pid)
}

func TestVanishedProcessIsDroppedAndLoopContinues(t *testing.T) {
	procRoot := t.TempDir()
	writeStatus(t, procRoot, 100, "Uid:\t1000\t2000\t1000\t1000", "Gid:\t30\t40\t30\t30")

	// one receive holding both frames back to back: the dead pid first,
	// then a live one
	recv := concat(
		eventMessage(procconnector.ProcEventUID, 424242, 424242, 0, 0),
		eventMessage(procconnector.ProcEventUID, 100, 100, 1000, 2000),
	)
	ch := newScriptedChannel(scriptStep{data: recv})
	m, engine, metrics := newMonitor(t, procRoot, ch)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop()) }()

	require.Eventually(t, func() bool { return len(engine.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	calls := engine.Calls()
	assert.Equal(t, 100, calls[0].Pid)
	assert.Equal(t, uint64(1), m.Stats().EventsDropped)
	assert.Equal(t, int32(1), metrics.LookupMissCounter.Load())
}

func TestReplayedBufferYieldsIdenticalDispatches(t *testing.T) {
	procRoot := t.TempDir()
	writeStatus(t, procRoot, 100, "Uid:\t1000\t2000\t1000\t1000", "Gid:\t30\t40\t30\t30")

	recv := eventMessage(procconnector.ProcEventUID, 100, 100, 1000, 2000)
	ch := newScriptedChannel(
		scriptStep{data: recv},
		scriptStep{data: recv},
	)
	m, engine, _ := newMonitor(t, procRoot, ch)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop()) }()

	require.Eventually(t, func() bool { return len(engine.Calls()) == 2 }, time.Second, 5*time.Millisecond)

	calls := engine.Calls()
	assert.Equal(t, calls[0], calls[1])
}

func TestReloadBetweenReceivesLosesNothing(t *testing.T) {
	procRoot := t.TempDir()
	writeStatus(t, procRoot, 55, "Uid:\t500\t600\t500\t500", "Gid:\t10\t20\t10\t10")

	gate := make(chan struct{})
	ch := newScriptedChannel(
		scriptStep{data: eventMessage(procconnector.ProcEventGID, 55, 55, 10, 20)},
		scriptStep{data: eventMessage(procconnector.ProcEventGID, 55, 55, 10, 21), gate: gate},
	)
	m, engine, _ := newMonitor(t, procRoot, ch)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop()) }()

	require.Eventually(t, func() bool { return len(engine.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	// rule reload arrives while the loop is blocked on the next receive
	require.NoError(t, engine.ReloadRuleCache())
	close(gate)

	require.Eventually(t, func() bool { return len(engine.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, engine.Calls(), 2)
	assert.Equal(t, 1, engine.Reloads)
}

func TestStartFailsWhenChannelCannotBeEstablished(t *testing.T) {
	resolver, err := credentials.NewResolver(t.TempDir())
	require.NoError(t, err)

	connect := func() (procconnector.Channel, error) {
		return nil, procconnector.ErrTransport
	}
	m := NewProcMonitor(connect, resolver,
		dispatcher.NewDispatcher(rulesengine.NewEngineMock(), metricsmanager.NewMetricsMock()),
		metricsmanager.NewMetricsMock(), 0)

	err = m.Start(context.Background())
	require.ErrorIs(t, err, procconnector.ErrTransport)
	assert.False(t, m.Stats().IsRunning)
}

func TestStopUnblocksAPendingReceive(t *testing.T) {
	m, _, _ := newMonitor(t, t.TempDir(), newScriptedChannel())

	require.NoError(t, m.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock the receive")
	}
	assert.False(t, m.Stats().IsRunning)
}

func TestFatalTransportErrorSurfaces(t *testing.T) {
	procRoot := t.TempDir()
	ch := newScriptedChannel()
	m, _, _ := newMonitor(t, procRoot, ch)

	require.NoError(t, m.Start(context.Background()))

	// a channel failure not caused by Stop is fatal
	_ = ch.Close()

	select {
	case err := <-m.FatalErrors():
		require.ErrorIs(t, err, errChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error surfaced")
	}
}
