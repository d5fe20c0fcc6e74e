package poolcomm

import (
	"fmt"
	"net"
	"os"
	"path"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// SockPath returns the pooler socket file for the given directory and
// port, following the ".s.PGPOOL.<port>" naming scheme.
func SockPath(sockDir string, port int) string {
	if sockDir == "" {
		sockDir = "/tmp"
	}
	return path.Join(sockDir, fmt.Sprintf(".s.PGPOOL.%d", port))
}

// Listener accepts session connections on the pooler unix socket and
// removes the socket file when closed.
type Listener struct {
	ul       *net.UnixListener
	sockPath string
}

// Listen opens the pooler server socket. A stale socket file left over
// from a previous run is unlinked first.
func Listen(sockDir string, port int) (*Listener, error) {
	sockPath := SockPath(sockDir, port)

	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "failed to unlink stale socket %s: %v", sockPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, err
	}
	ul, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "failed to listen on %s: %v", sockPath, err)
	}
	// we unlink explicitly on Close
	ul.SetUnlinkOnClose(false)

	xclog.Zero.Info().Str("socket", sockPath).Msg("pooler is listening")

	return &Listener{ul: ul, sockPath: sockPath}, nil
}

// Accept waits for the next session connection and wraps it in a
// descriptor-capable transport.
func (l *Listener) Accept() (DescriptorTransport, error) {
	conn, err := l.ul.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewUnixTransport(conn), nil
}

func (l *Listener) Close() error {
	err := l.ul.Close()
	if rmErr := os.Remove(l.sockPath); rmErr != nil && !os.IsNotExist(rmErr) {
		xclog.Zero.Warn().Err(rmErr).Str("socket", l.sockPath).Msg("failed to unlink pooler socket")
	}
	return err
}

// Connect dials the pooler listening on the given socket directory and
// port.
func Connect(sockDir string, port int) (DescriptorTransport, error) {
	sockPath := SockPath(sockDir, port)

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "failed to connect to pooler at %s: %v", sockPath, err)
	}
	return NewUnixTransport(conn), nil
}
