package procconnector

import (
	"encoding/binary"
	"errors"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"golang.org/x/sys/unix"
)

// DefaultBufferSize is the receive buffer size used when none is configured.
// One page is more than enough for the largest back-to-back event burst the
// proc connector delivers in a single datagram.
const DefaultBufferSize = 4096

// Reader turns blocking channel receives into batches of netlink frames.
// It owns a single receive buffer, so frames from one batch are invalidated
// by the next call to NextBatch and must be consumed before it.
type Reader struct {
	ch         Channel
	buf        []byte
	onOverflow func()
}

// NewReader wraps ch with a frame reader. onOverflow, if non-nil, is
// invoked once per overflowed receive (after the loss has been logged).
func NewReader(ch Channel, bufSize int, onOverflow func()) *Reader {
	if bufSize < nlmsgHdrLen {
		bufSize = DefaultBufferSize
	}
	return &Reader{
		ch:         ch,
		buf:        make([]byte, bufSize),
		onOverflow: onOverflow,
	}
}

// NextBatch blocks on the channel until a receive completes and returns the
// frames it contained, in wire order. Overflowed receives are logged and
// waited through; zero-length receives are retried. A batch may be empty if
// the receive held only no-op frames. The returned error is always a fatal
// transport condition.
func (r *Reader) NextBatch() ([]RawFrame, error) {
	for {
		n, err := r.ch.Receive(r.buf)
		if err != nil {
			if errors.Is(err, ErrOverflow) {
				logger.L().Warning("netlink receive queue overflowed, kernel dropped events")
				if r.onOverflow != nil {
					r.onOverflow()
				}
				continue
			}
			return nil, err
		}
		if n <= 0 || n > len(r.buf) {
			continue
		}
		return r.split(r.buf[:n]), nil
	}
}

// split walks the back-to-back netlink messages inside one receive. Each
// message is consumed for exactly its declared, aligned length; anything
// structurally unsound abandons the rest of the batch so the reader never
// desynchronizes from the channel.
func (r *Reader) split(data []byte) []RawFrame {
	frames := make([]RawFrame, 0, 4)

	for len(data) > 0 {
		if len(data) < nlmsgHdrLen {
			logger.L().Warning("trailing partial netlink frame, abandoning batch",
				helpers.Int("remaining", len(data)))
			return frames
		}

		length := binary.NativeEndian.Uint32(data[0:4])
		msgType := binary.NativeEndian.Uint16(data[4:6])
		if length < nlmsgHdrLen || int(length) > len(data) {
			logger.L().Warning("netlink frame with invalid declared length, abandoning batch",
				helpers.Int("declared", int(length)),
				helpers.Int("remaining", len(data)))
			return frames
		}

		payload := data[nlmsgHdrLen:length]

		switch msgType {
		case unix.NLMSG_NOOP:
			// skipped
		case unix.NLMSG_ERROR, unix.NLMSG_OVERRUN:
			return frames
		case unix.NLMSG_DONE:
			// the proc connector delivers events as NLMSG_DONE, so the
			// frame carries a payload and also ends the batch
			frames = append(frames, RawFrame{Type: FrameDone, Payload: payload})
			return frames
		default:
			frames = append(frames, RawFrame{Type: FrameNormal, Payload: payload})
		}

		advance := nlmsgAlign(int(length))
		if advance >= len(data) {
			return frames
		}
		data = data[advance:]
	}
	return frames
}

func nlmsgAlign(n int) int {
	return (n + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
}
