package poolcomm_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/poolcomm"
)

// unixPortPair builds two connected Ports over a real unix socket, the
// only transport that can carry descriptors.
func unixPortPair(t *testing.T) (*poolcomm.Port, *poolcomm.Port) {
	t.Helper()

	dir := t.TempDir()
	ln, err := poolcomm.Listen(dir, 6667)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	type acceptRes struct {
		tr  poolcomm.DescriptorTransport
		err error
	}
	accepted := make(chan acceptRes, 1)
	go func() {
		tr, err := ln.Accept()
		accepted <- acceptRes{tr, err}
	}()

	client, err := poolcomm.Connect(dir, 6667)
	assert.NoError(t, err)

	res := <-accepted
	assert.NoError(t, res.err)

	cp := poolcomm.NewPort(client, 0)
	sp := poolcomm.NewPort(res.tr, 0)
	t.Cleanup(func() {
		_ = cp.Close()
		_ = sp.Close()
	})
	return cp, sp
}

func TestSendRecvFds(t *testing.T) {
	assert := assert.New(t)

	client, server := unixPortPair(t)

	r1, w1, err := os.Pipe()
	assert.NoError(err)
	r2, w2, err := os.Pipe()
	assert.NoError(err)
	defer func() {
		_ = r1.Close()
		_ = w1.Close()
		_ = r2.Close()
		_ = w2.Close()
	}()

	go func() {
		_ = server.SendFds([]int{int(w1.Fd()), int(w2.Fd())})
	}()

	fds, err := client.RecvFds(2)
	assert.NoError(err)
	assert.Len(fds, 2)
	defer poolcomm.CloseAll(fds)

	// the received descriptors must refer to the same pipes
	for i, rd := range []*os.File{r1, r2} {
		f := os.NewFile(uintptr(fds[i]), "passed")
		_, err := f.Write([]byte{byte('A' + i)})
		assert.NoError(err)

		var got [1]byte
		_, err = rd.Read(got[:])
		assert.NoError(err)
		assert.Equal(byte('A'+i), got[0])
	}
}

func TestRecvFdsZeroCountIsResourceError(t *testing.T) {
	assert := assert.New(t)

	client, server := unixPortPair(t)

	go func() {
		server.SetError(poolcomm.PoolErrAcquireFailed, "pool exhausted")
		_ = server.SendFds(nil)
	}()

	_, err := client.RecvFds(2)
	assert.Error(err)
	assert.Equal(xcerror.XC_INSUFFICIENT_RESOURCES, xcerror.CodeOf(err))
	assert.Contains(err.Error(), "pool exhausted")
}

func TestRecvFdsCountMismatchIsProtocolViolation(t *testing.T) {
	assert := assert.New(t)

	client, server := unixPortPair(t)

	r, w, err := os.Pipe()
	assert.NoError(err)
	defer func() {
		_ = r.Close()
		_ = w.Close()
	}()

	go func() {
		_ = server.SendFds([]int{int(w.Fd())})
	}()

	_, err = client.RecvFds(2)
	assert.Error(err)
	assert.Equal(xcerror.XC_PROTOCOL_VIOLATION, xcerror.CodeOf(err))
}

func TestRecvFdsEOF(t *testing.T) {
	assert := assert.New(t)

	client, server := unixPortPair(t)
	assert.NoError(server.Close())

	_, err := client.RecvFds(1)
	assert.Error(err)
	assert.Equal(xcerror.XC_CONNECTION_ERROR, xcerror.CodeOf(err))
}

func TestSockPathLayout(t *testing.T) {
	assert.Equal(t, "/tmp/.s.PGPOOL.6667", poolcomm.SockPath("/tmp", 6667))
}
