package procconnector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// ErrTransport marks a failure to set up or talk to the netlink channel.
// It is fatal: the agent never starts without a working channel.
var ErrTransport = errors.New("proc connector transport error")

// ErrOverflow reports a kernel-side receive queue overflow. The dropped
// events are permanently lost, but the channel itself remains usable.
var ErrOverflow = errors.New("proc connector receive queue overflow")

// Channel is a datagram endpoint delivering proc connector messages.
// The kernel-backed implementation is NetlinkChannel; tests script their own.
type Channel interface {
	Receive(buf []byte) (int, error)
	Close() error
}

const (
	nlmsgHdrLen     = unix.NLMSG_HDRLEN
	cnMsgLen        = 20
	procEventHdrLen = 16
	idEventLen      = 16
	mcastOpLen      = 4
)

// NetlinkChannel is a bound, subscribed proc connector socket. The socket is
// nonblocking and receives wait in poll alongside an eventfd, so Close can
// wake a blocked Receive without depending on the next kernel event.
type NetlinkChannel struct {
	fd     int
	wakeFd int
}

var _ Channel = (*NetlinkChannel)(nil)

// Connect opens an AF_NETLINK datagram socket on the connector protocol,
// binds it to the proc events multicast group using our own pid as the
// local member id, and sends the PROC_CN_MCAST_LISTEN control message.
// The subscribe is fire-and-forget; the kernel's ack is not awaited.
func Connect() (*NetlinkChannel, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrTransport, err)
	}

	local := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: CnIdxProc,
		Pid:    uint32(os.Getpid()),
	}
	if err := unix.Bind(fd, local); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: bind: %v", ErrTransport, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: set nonblocking: %v", ErrTransport, err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: eventfd: %v", ErrTransport, err)
	}

	ch := &NetlinkChannel{fd: fd, wakeFd: wakeFd}
	if err := ch.sendMcastOp(ProcCnMcastListen); err != nil {
		_ = unix.Close(fd)
		_ = unix.Close(wakeFd)
		return nil, err
	}
	return ch, nil
}

// sendMcastOp sends one control envelope carrying a multicast opcode to the
// kernel connector (netlink pid 0).
func (c *NetlinkChannel) sendMcastOp(op uint32) error {
	msg := make([]byte, nlmsgHdrLen+cnMsgLen+mcastOpLen)

	// netlink header
	binary.NativeEndian.PutUint32(msg[0:4], uint32(len(msg)))
	binary.NativeEndian.PutUint16(msg[4:6], uint16(unix.NLMSG_DONE))
	binary.NativeEndian.PutUint16(msg[6:8], 0)
	binary.NativeEndian.PutUint32(msg[8:12], 0)
	binary.NativeEndian.PutUint32(msg[12:16], uint32(os.Getpid()))

	// connector envelope
	body := msg[nlmsgHdrLen:]
	binary.NativeEndian.PutUint32(body[0:4], CnIdxProc)
	binary.NativeEndian.PutUint32(body[4:8], CnValProc)
	binary.NativeEndian.PutUint32(body[8:12], 0)
	binary.NativeEndian.PutUint32(body[12:16], 0)
	binary.NativeEndian.PutUint16(body[16:18], mcastOpLen)
	binary.NativeEndian.PutUint16(body[18:20], 0)

	binary.NativeEndian.PutUint32(body[cnMsgLen:], op)

	kernel := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Sendto(c.fd, msg, 0, kernel); err != nil {
		return fmt.Errorf("%w: send mcast op: %v", ErrTransport, err)
	}
	return nil
}

// Receive waits in poll until the socket is readable or the channel is
// closed, then performs one receive into buf. An ENOBUFS from the kernel
// surfaces as ErrOverflow so callers can log the loss and keep listening.
// EINTR and spurious wakeups are reported as zero-length reads.
func (c *NetlinkChannel) Receive(buf []byte) (int, error) {
	fds := []unix.PollFd{
		{Fd: int32(c.fd), Events: unix.POLLIN},
		{Fd: int32(c.wakeFd), Events: unix.POLLIN},
	}
	ready, err := unix.Poll(fds, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: poll: %v", ErrTransport, err)
	}
	if ready == 0 {
		return 0, nil
	}
	if fds[1].Revents != 0 {
		return 0, fmt.Errorf("%w: channel closed", ErrTransport)
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&unix.POLLIN == 0 {
		return 0, fmt.Errorf("%w: socket error condition", ErrTransport)
	}

	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		switch err {
		case unix.ENOBUFS:
			return 0, ErrOverflow
		case unix.EINTR, unix.EAGAIN:
			return 0, nil
		}
		return 0, fmt.Errorf("%w: recvfrom: %v", ErrTransport, err)
	}
	return n, nil
}

// Close signals the eventfd first so a Receive blocked in poll returns, then
// releases both descriptors.
func (c *NetlinkChannel) Close() error {
	var wake [8]byte
	binary.NativeEndian.PutUint64(wake[:], 1)
	_, _ = unix.Write(c.wakeFd, wake[:])
	return multierr.Append(unix.Close(c.fd), unix.Close(c.wakeFd))
}
