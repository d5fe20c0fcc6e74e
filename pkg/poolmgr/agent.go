package poolmgr

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/poolcomm"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// ConnectionProvider is the pool manager proper: the shared connection
// tables behind the agents. Implementations serialize their own state;
// an agent only ever drives the wire protocol for one session.
type ConnectionProvider interface {
	// AcquireConnections returns one open descriptor per requested
	// datanode index. The agent transfers and then closes its copies.
	AcquireConnections(nodes []int) ([]int, error)

	// AbortClients lists the backend pids of sessions currently
	// interacting with the pooler.
	AbortClients() ([]int32, error)

	// SetCommand records a session-level SET and returns the command
	// id assigned to it.
	SetCommand(sql string) (uint32, error)

	// Release returns the session's connections to the pool.
	Release() error
}

// Agent serves the pooler side of one session connection.
type Agent struct {
	id       string
	port     *poolcomm.Port
	provider ConnectionProvider

	maxMessageLen int
}

func NewAgent(tr poolcomm.Transport, provider ConnectionProvider, bufferSize, maxMessageLen int) *Agent {
	return &Agent{
		id:            uuid.NewString(),
		port:          poolcomm.NewPort(tr, bufferSize),
		provider:      provider,
		maxMessageLen: maxMessageLen,
	}
}

func (a *Agent) ID() string {
	return a.id
}

// Serve runs the request loop until the session disconnects or the
// stream breaks. One request is fully answered before the next is
// read; the protocol is strictly request/response.
func (a *Agent) Serve() error {
	defer func() {
		if err := a.port.Close(); err != nil {
			xclog.Zero.Debug().Err(err).Str("agent", a.id).Msg("failed to close session connection")
		}
	}()

	xclog.Zero.Info().Str("agent", a.id).Msg("session connected")

	for {
		tag, err := a.port.GetByte()
		if err != nil {
			if err == io.EOF {
				xclog.Zero.Info().Str("agent", a.id).Msg("session disconnected")
				return nil
			}
			return err
		}

		msg, err := a.port.GetMessage(a.maxMessageLen)
		if err != nil {
			// an oversized request leaves the stream aligned, but a
			// half-answered request cannot be resumed: drop the session
			xclog.Zero.Error().Err(err).Str("agent", a.id).Msg("malformed request")
			return err
		}

		if err := a.dispatch(tag, msg); err != nil {
			return err
		}
	}
}

func (a *Agent) dispatch(tag byte, msg []byte) error {
	switch tag {
	case poolcomm.ReqGetConnections:
		return a.handleGetConnections(msg)
	case poolcomm.ReqAbortTransactions:
		return a.handleAbort()
	case poolcomm.ReqSetCommand:
		return a.handleSetCommand(msg)
	case poolcomm.ReqRelease:
		return a.handleRelease()
	default:
		return xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "unexpected request tag %q", tag)
	}
}

func (a *Agent) handleGetConnections(msg []byte) error {
	if len(msg) < 4 {
		return xcerror.New(xcerror.XC_PROTOCOL_VIOLATION, "truncated connection request")
	}
	count := int(binary.BigEndian.Uint32(msg[0:4]))
	if len(msg) != 4+4*count {
		return xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "connection request length mismatch: %d nodes, %d bytes", count, len(msg))
	}

	nodes := make([]int, count)
	for i := range nodes {
		nodes[i] = int(binary.BigEndian.Uint32(msg[4+4*i:]))
	}

	fds, err := a.provider.AcquireConnections(nodes)
	if err != nil {
		xclog.Zero.Error().Err(err).Str("agent", a.id).Ints("nodes", nodes).Msg("failed to acquire connections")
		a.port.SetError(poolcomm.PoolErrAcquireFailed, err.Error())
		fds = nil
	}

	sendErr := a.port.SendFds(fds)
	// the receiver holds duplicates now; our copies must not leak
	poolcomm.CloseAll(fds)
	return sendErr
}

func (a *Agent) handleAbort() error {
	pids, err := a.provider.AbortClients()
	if err != nil {
		xclog.Zero.Error().Err(err).Str("agent", a.id).Msg("failed to collect client pids")
		pids = nil
	}
	return a.port.SendPids(pids)
}

func (a *Agent) handleSetCommand(msg []byte) error {
	sql := string(msg)

	cmdID, err := a.provider.SetCommand(sql)
	if err != nil {
		return a.port.SendResWithCommandID(1, cmdID, err.Error())
	}
	return a.port.SendResWithCommandID(0, cmdID, "")
}

func (a *Agent) handleRelease() error {
	if err := a.provider.Release(); err != nil {
		xclog.Zero.Error().Err(err).Str("agent", a.id).Msg("failed to release connections")
		a.port.SetError(poolcomm.PoolErrReleaseFailed, err.Error())
		return a.port.SendRes(1)
	}
	return a.port.SendRes(0)
}
