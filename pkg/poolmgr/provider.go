package poolmgr

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/poolcomm"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// NodeAddr is one configured datanode.
type NodeAddr struct {
	Name string
	Addr string
}

// DialProvider satisfies connection requests by establishing fresh
// datanode connections on demand. It is the handoff strategy for
// deployments that keep no warm pool; it also serves as the fallback
// where passing an existing connection is not possible.
//
// Shared across agents, so it locks its own state.
type DialProvider struct {
	mu sync.Mutex

	nodes   []NodeAddr
	clients map[string]int32
	cmdSeq  uint32
}

var _ ConnectionProvider = &DialProvider{}

func NewDialProvider(nodes []NodeAddr) *DialProvider {
	return &DialProvider{
		nodes:   nodes,
		clients: map[string]int32{},
	}
}

// RegisterClient records the backend pid behind an agent; it shows up
// in AbortClients until unregistered.
func (p *DialProvider) RegisterClient(agentID string, pid int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[agentID] = pid
}

func (p *DialProvider) UnregisterClient(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, agentID)
}

func (p *DialProvider) AcquireConnections(nodes []int) ([]int, error) {
	p.mu.Lock()
	addrs := make([]NodeAddr, 0, len(nodes))
	for _, idx := range nodes {
		if idx < 0 || idx >= len(p.nodes) {
			p.mu.Unlock()
			return nil, xcerror.Newf(xcerror.XC_UNEXPECTED, "datanode index %d out of range", idx)
		}
		addrs = append(addrs, p.nodes[idx])
	}
	p.mu.Unlock()

	fds := make([]int, 0, len(addrs))
	for _, node := range addrs {
		fd, err := dialFd(node.Addr)
		if err != nil {
			poolcomm.CloseAll(fds)
			return nil, fmt.Errorf("failed to connect to datanode %s at %s: %w", node.Name, node.Addr, err)
		}
		fds = append(fds, fd)
	}

	xclog.Zero.Debug().Int("count", len(fds)).Msg("established datanode connections")
	return fds, nil
}

func (p *DialProvider) AbortClients() ([]int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pids := make([]int32, 0, len(p.clients))
	for _, pid := range p.clients {
		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (p *DialProvider) SetCommand(sql string) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cmdSeq++
	xclog.Zero.Debug().Uint32("command_id", p.cmdSeq).Str("sql", sql).Msg("recorded session SET command")
	return p.cmdSeq, nil
}

func (p *DialProvider) Release() error {
	// nothing pooled to return: connections are established per request
	return nil
}

// dialFd opens a stream connection and detaches its descriptor.
func dialFd(addr string) (int, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return -1, err
	}

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return -1, fmt.Errorf("unexpected connection type %T", conn)
	}

	file, err := tcp.File()
	// File duplicated the descriptor, the original can go either way
	_ = tcp.Close()
	if err != nil {
		return -1, err
	}

	fd := int(file.Fd())
	// keep the fd alive past the *os.File: dup it out and let the File go
	dup, err := dupFd(fd)
	closeErr := file.Close()
	if err != nil {
		return -1, err
	}
	if closeErr != nil {
		xclog.Zero.Debug().Err(closeErr).Msg("failed to close dup source")
	}
	return dup, nil
}

func dupFd(fd int) (int, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(dup)
	return dup, nil
}
