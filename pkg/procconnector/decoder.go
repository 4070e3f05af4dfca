package procconnector

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecode reports a frame whose payload is too short for the records it
// claims to carry. Such frames are logged and dropped, never fatal.
var ErrDecode = errors.New("proc connector decode error")

// decodeEnvelope splits a frame payload into its connector envelope and the
// inner event bytes, bounds-checking the envelope's declared length.
func decodeEnvelope(payload []byte) (CnMsg, []byte, error) {
	if len(payload) < cnMsgLen {
		return CnMsg{}, nil, fmt.Errorf("%w: envelope truncated at %d bytes", ErrDecode, len(payload))
	}

	env := CnMsg{
		ID: CbID{
			Idx: binary.NativeEndian.Uint32(payload[0:4]),
			Val: binary.NativeEndian.Uint32(payload[4:8]),
		},
		Seq:   binary.NativeEndian.Uint32(payload[8:12]),
		Ack:   binary.NativeEndian.Uint32(payload[12:16]),
		Len:   binary.NativeEndian.Uint16(payload[16:18]),
		Flags: binary.NativeEndian.Uint16(payload[18:20]),
	}

	data := payload[cnMsgLen:]
	if int(env.Len) > len(data) {
		return CnMsg{}, nil, fmt.Errorf("%w: envelope declares %d bytes, %d available", ErrDecode, env.Len, len(data))
	}
	return env, data[:env.Len], nil
}

// DecodeFrame interprets one frame as a connector envelope wrapping a proc
// event. Events other than UID/GID changes come back as EventOther with the
// raw discriminant preserved and nothing else parsed.
func DecodeFrame(frame RawFrame) (ProcEvent, error) {
	_, data, err := decodeEnvelope(frame.Payload)
	if err != nil {
		return ProcEvent{}, err
	}
	if len(data) < procEventHdrLen {
		return ProcEvent{}, fmt.Errorf("%w: event header truncated at %d bytes", ErrDecode, len(data))
	}

	what := binary.NativeEndian.Uint32(data[0:4])
	ev := ProcEvent{Kind: EventOther, What: what}

	switch what {
	case ProcEventUID:
		ev.Kind = EventUIDChange
	case ProcEventGID:
		ev.Kind = EventGIDChange
	default:
		return ev, nil
	}

	rec := data[procEventHdrLen:]
	if len(rec) < idEventLen {
		return ProcEvent{}, fmt.Errorf("%w: id event record truncated at %d bytes", ErrDecode, len(rec))
	}
	ev.Pid = binary.NativeEndian.Uint32(rec[0:4])
	ev.Tgid = binary.NativeEndian.Uint32(rec[4:8])
	ev.Real = binary.NativeEndian.Uint32(rec[8:12])
	ev.Effective = binary.NativeEndian.Uint32(rec[12:16])
	return ev, nil
}
