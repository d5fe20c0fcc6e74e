package poolcomm

import (
	"errors"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Transport is the byte-stream half of a pooler connection.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// DescriptorTransport additionally carries open file descriptors as
// out-of-band (ancillary) data. Descriptor blocks are atomic: they ride
// along with the first chunk of a send and are never split across partial
// writes. Only local stream sockets support this; a deployment without it
// must hand off connections by re-establishing them instead.
type DescriptorTransport interface {
	Transport

	// SendWithFds writes p, attaching fds as ancillary data.
	// May write fewer than len(p) bytes; the descriptors are
	// delivered iff at least one byte went out.
	SendWithFds(p []byte, fds []int) (int, error)

	// RecvWithFds reads up to len(p) bytes, collecting at most maxFds
	// passed descriptors that arrived with them.
	RecvWithFds(p []byte, maxFds int) (int, []int, error)
}

type unixTransport struct {
	conn *net.UnixConn
}

var _ DescriptorTransport = &unixTransport{}

// NewUnixTransport wraps a connected unix domain socket.
func NewUnixTransport(conn *net.UnixConn) DescriptorTransport {
	return &unixTransport{conn: conn}
}

func (t *unixTransport) Read(p []byte) (int, error) {
	for {
		n, err := t.conn.Read(p)
		if transientSockErr(err) {
			continue
		}
		return n, err
	}
}

func (t *unixTransport) Write(p []byte) (int, error) {
	for {
		n, err := t.conn.Write(p)
		if transientSockErr(err) {
			continue
		}
		return n, err
	}
}

func (t *unixTransport) Close() error {
	return t.conn.Close()
}

// UnixConn exposes the wrapped socket for credential lookups.
func (t *unixTransport) UnixConn() *net.UnixConn {
	return t.conn
}

func (t *unixTransport) SendWithFds(p []byte, fds []int) (int, error) {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	for {
		n, _, err := t.conn.WriteMsgUnix(p, oob, nil)
		if transientSockErr(err) {
			continue
		}
		return n, err
	}
}

func (t *unixTransport) RecvWithFds(p []byte, maxFds int) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(maxFds*4))
	for {
		n, oobn, _, _, err := t.conn.ReadMsgUnix(p, oob)
		if transientSockErr(err) {
			continue
		}
		if err != nil {
			return n, nil, err
		}
		if oobn == 0 {
			return n, nil, nil
		}
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return n, nil, err
		}
		var fds []int
		for _, cmsg := range cmsgs {
			got, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			fds = append(fds, got...)
		}
		return n, fds, nil
	}
}

// transientSockErr reports whether the call was interrupted and safe to
// re-issue as-is.
func transientSockErr(err error) bool {
	return err != nil && errors.Is(err, unix.EINTR)
}
