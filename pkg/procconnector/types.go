// Package procconnector subscribes to the kernel proc connector multicast
// group over netlink and turns the raw message stream into typed process
// credential-change events.
package procconnector

// Connector identity of the proc events subsystem, from linux/cn_proc.h
// and linux/connector.h.
const (
	CnIdxProc = 0x1
	CnValProc = 0x1
)

// Multicast control opcodes understood by the proc connector.
const (
	ProcCnMcastListen uint32 = 1
	ProcCnMcastIgnore uint32 = 2
)

// Event discriminants carried in the proc event header ("what" field).
const (
	ProcEventNone     uint32 = 0x00000000
	ProcEventFork     uint32 = 0x00000001
	ProcEventExec     uint32 = 0x00000002
	ProcEventUID      uint32 = 0x00000004
	ProcEventGID      uint32 = 0x00000040
	ProcEventSID      uint32 = 0x00000080
	ProcEventPtrace   uint32 = 0x00000100
	ProcEventComm     uint32 = 0x00000200
	ProcEventCoredump uint32 = 0x40000000
	ProcEventExit     uint32 = 0x80000000
)

// CbID identifies a connector subsystem.
type CbID struct {
	Idx uint32
	Val uint32
}

// CnMsg is the connector envelope wrapped inside each netlink message,
// corresponding to struct cn_msg in linux/connector.h.
type CnMsg struct {
	ID    CbID
	Seq   uint32
	Ack   uint32
	Len   uint16
	Flags uint16
}

// ProcEventHeader corresponds to the head of struct proc_event in
// linux/cn_proc.h.
type ProcEventHeader struct {
	What      uint32
	CPU       uint32
	Timestamp uint64
}

// FrameType classifies a netlink frame extracted from a receive.
type FrameType uint16

const (
	FrameNormal FrameType = iota
	FrameNoop
	FrameError
	FrameOverrun
	FrameDone
)

// RawFrame is one netlink message carved out of the shared receive buffer.
// The payload aliases that buffer and is only valid until the next receive.
type RawFrame struct {
	Type    FrameType
	Payload []byte
}

// EventKind classifies a decoded proc event.
type EventKind int

const (
	// EventOther covers every discriminant the agent does not act on.
	// The payload layout of such events is deliberately not interpreted.
	EventOther EventKind = iota
	EventUIDChange
	EventGIDChange
)

func (k EventKind) String() string {
	switch k {
	case EventUIDChange:
		return "uid-change"
	case EventGIDChange:
		return "gid-change"
	default:
		return "other"
	}
}

// ProcEvent is a decoded credential-change notification. Real and Effective
// hold the UID pair for EventUIDChange and the GID pair for EventGIDChange;
// for EventOther only Kind and What are meaningful.
type ProcEvent struct {
	Kind      EventKind
	What      uint32
	Pid       uint32
	Tgid      uint32
	Real      uint32
	Effective uint32
}
