//go:build !linux

package poolmgr

import (
	"net"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
)

// PeerPid is only available on platforms exposing peer credentials on
// local sockets.
func PeerPid(conn *net.UnixConn) (int32, error) {
	return 0, xcerror.New(xcerror.XC_NOT_SUPPORTED, "peer credentials not supported on this platform")
}
