package rulesengine

import (
	"io"
	"sync"
)

var _ RulesEngine = (*EngineMock)(nil)

// ReassignCall records one Reassign invocation.
type ReassignCall struct {
	UID   uint32
	GID   uint32
	Pid   int
	Flags uint64
}

// EngineMock records calls and replays configured failures.
type EngineMock struct {
	mu            sync.Mutex
	Reassignments []ReassignCall
	Reloads       int
	ReassignErr   error
}

func NewEngineMock() *EngineMock {
	return &EngineMock{}
}

func (m *EngineMock) Init() error {
	return nil
}

func (m *EngineMock) InitRuleCache() error {
	return nil
}

func (m *EngineMock) Reassign(uid, gid uint32, pid int, flags uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reassignments = append(m.Reassignments, ReassignCall{UID: uid, GID: gid, Pid: pid, Flags: flags})
	return m.ReassignErr
}

func (m *EngineMock) ReloadRuleCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reloads++
	return nil
}

func (m *EngineMock) PrintRuleConfig(w io.Writer) {
	_, _ = io.WriteString(w, "mock rule configuration\n")
}

// Calls returns a copy of the recorded reassignments.
func (m *EngineMock) Calls() []ReassignCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReassignCall, len(m.Reassignments))
	copy(out, m.Reassignments)
	return out
}
