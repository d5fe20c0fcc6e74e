package session

import (
	"context"
	"encoding/binary"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/poolcomm"
	"github.com/pg-distributed/xcpool/pkg/prepstatement"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// SessionPool is the session-side handle to the pool manager: it owns
// the channel endpoint this session talks through and the prepared
// statement directory whose activation state gates connection release.
type SessionPool struct {
	port *poolcomm.Port
	dir  *prepstatement.Directory

	maxMessageLen int
}

type Config struct {
	SockDir        string
	PoolerPort     int
	BufferSize     int
	MaxMessageLen  int
	ConnectRetries int
}

// Connect dials the pooler socket with bounded retry and returns a
// ready session handle.
func Connect(ctx context.Context, cfg Config, dir *prepstatement.Directory) (*SessionPool, error) {
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 3
	}

	var tr poolcomm.DescriptorTransport
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewFibonacci(250*time.Millisecond))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := poolcomm.Connect(cfg.SockDir, cfg.PoolerPort)
		if err != nil {
			xclog.Zero.Info().Err(err).Msg("pooler not reachable yet, retrying")
			return retry.RetryableError(err)
		}
		tr = t
		return nil
	}); err != nil {
		return nil, err
	}

	return NewSessionPool(tr, cfg, dir), nil
}

// NewSessionPool wraps an already-connected transport.
func NewSessionPool(tr poolcomm.Transport, cfg Config, dir *prepstatement.Directory) *SessionPool {
	return &SessionPool{
		port:          poolcomm.NewPort(tr, cfg.BufferSize),
		dir:           dir,
		maxMessageLen: cfg.MaxMessageLen,
	}
}

// Directory exposes the prepared statement directory owned by this
// session.
func (s *SessionPool) Directory() *prepstatement.Directory {
	return s.dir
}

// AcquireConnections borrows one pooled connection per requested
// datanode index. The descriptors come back over the socket as
// ancillary data; the caller owns them.
func (s *SessionPool) AcquireConnections(nodes []int) ([]int, error) {
	if len(nodes) == 0 {
		return nil, xcerror.New(xcerror.XC_UNEXPECTED, "no datanodes requested")
	}

	payload := make([]byte, 4+4*len(nodes))
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(nodes)))
	for i, idx := range nodes {
		binary.BigEndian.PutUint32(payload[4+4*i:], uint32(idx))
	}

	if err := s.port.PutMessage(poolcomm.ReqGetConnections, payload); err != nil {
		return nil, err
	}
	if err := s.port.Flush(); err != nil {
		return nil, err
	}

	return s.port.RecvFds(len(nodes))
}

// AbortTransactions asks the pooler for the backend pids of every
// session it currently serves, so the caller can signal them.
func (s *SessionPool) AbortTransactions() ([]int32, error) {
	if err := s.port.PutMessage(poolcomm.ReqAbortTransactions, nil); err != nil {
		return nil, err
	}
	if err := s.port.Flush(); err != nil {
		return nil, err
	}
	return s.port.RecvPids()
}

// SetCommand forwards a session-level SET to the pooler, which replays
// it on this session's pooled connections. Returns the command id the
// pooler assigned.
func (s *SessionPool) SetCommand(sql string) (uint32, error) {
	if err := s.port.PutMessage(poolcomm.ReqSetCommand, []byte(sql)); err != nil {
		return 0, err
	}
	if err := s.port.Flush(); err != nil {
		return 0, err
	}

	res, cmdID, errMsg, err := s.port.RecvResWithCommandID()
	if err != nil {
		return 0, err
	}
	if res != 0 {
		if errMsg == "" {
			errMsg = "unknown pooler error"
		}
		return cmdID, xcerror.Newf(xcerror.XC_UNEXPECTED, "SET command failed: %s", errMsg)
	}
	return cmdID, nil
}

// Release hands this session's connections back to the pool, unless a
// remotely-prepared statement still pins them. Reports whether the
// connections were actually released.
func (s *SessionPool) Release() (bool, error) {
	if s.dir != nil && s.dir.HasAnyActive() {
		xclog.Zero.Debug().Msg("active datanode statements pin connections, not releasing")
		return false, nil
	}

	if err := s.port.PutMessage(poolcomm.ReqRelease, nil); err != nil {
		return false, err
	}
	if err := s.port.Flush(); err != nil {
		return false, err
	}

	res, err := s.port.RecvRes(true)
	if err != nil {
		return false, err
	}
	if res != 0 {
		return false, xcerror.Newf(xcerror.XC_UNEXPECTED, "pooler failed to release connections: code %d", res)
	}
	return true, nil
}

func (s *SessionPool) Close() error {
	return s.port.Close()
}
