package poolcomm

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/sys/unix"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

// Message tags of the session<->pooler protocol.
const (
	MsgFdSet   byte = 'f'
	MsgResult  byte = 's'
	MsgPidList byte = 'p'
)

// tag + sub-length + descriptor count + error code
const fdSetHeaderSize = 1 + 4 + 4 + 4

// tag + result + error code
const resHeaderSize = 1 + 4 + 4

// tag + total length
const resCmdHeaderSize = 1 + 4

// PoolErrMsgLen is the fixed length of the error-message block that
// follows an 'f' or 's' header carrying a non-zero error code.
const PoolErrMsgLen = 256

// upper bound on a sane pid-list; one pid per pooler agent
const maxPidCount = 65536

// Pool error codes embedded in 'f' and 's' envelopes.
const (
	PoolErrNone uint32 = iota
	PoolErrAcquireFailed
	PoolErrAbortFailed
	PoolErrSetCommandFailed
	PoolErrReleaseFailed

	poolErrLast
)

func PoolErrIsValid(code uint32) bool {
	return code > PoolErrNone && code < poolErrLast
}

// takeError consumes the armed pool error state.
func (p *Port) takeError() (uint32, string) {
	code, msg := p.errorCode, p.errMsg
	p.errorCode = PoolErrNone
	p.errMsg = ""
	return code, msg
}

// The transfers below talk to the socket directly instead of going
// through the Port buffers: ancillary data rides atomically with a
// send and must not be split by the generic partial-fill machinery.
// Each direction of the protocol uses one mechanism consistently, so
// direct reads never race the buffered ones.

func (p *Port) writeDirect(b []byte) error {
	off := 0
	for off < len(b) {
		r, err := p.tr.Write(b[off:])
		if err != nil {
			return xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "send failed: %v", err)
		}
		off += r
	}
	return nil
}

func (p *Port) readDirect(b []byte) error {
	off := 0
	for off < len(b) {
		r, err := p.tr.Read(b[off:])
		if err != nil {
			return xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "receive failed: %v", err)
		}
		if r == 0 {
			return xcerror.New(xcerror.XC_CONNECTION_ERROR, "unexpected EOF from peer")
		}
		off += r
	}
	return nil
}

// packErrMsg lays msg out in a fixed-length zero-padded block.
func packErrMsg(msg string) []byte {
	block := make([]byte, PoolErrMsgLen)
	copy(block, msg)
	block[PoolErrMsgLen-1] = 0
	return block
}

func unpackErrMsg(block []byte) string {
	if i := bytes.IndexByte(block, 0); i >= 0 {
		block = block[:i]
	}
	return string(block)
}

// SendFds transmits an 'f' envelope carrying count descriptors as
// ancillary data, plus any armed pool error. Zero descriptors is a valid
// answer and means the pool could not satisfy the request.
func (p *Port) SendFds(fds []int) error {
	dtr, ok := p.tr.(DescriptorTransport)
	if !ok {
		return xcerror.New(xcerror.XC_NOT_SUPPORTED, "descriptor passing not supported on this transport")
	}

	errCode, errMsg := p.takeError()

	var buf [fdSetHeaderSize]byte
	buf[0] = MsgFdSet
	binary.BigEndian.PutUint32(buf[1:5], 8)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(fds)))
	binary.BigEndian.PutUint32(buf[9:13], errCode)

	offset := 0
	attach := fds
	for offset < fdSetHeaderSize {
		r, err := dtr.SendWithFds(buf[offset:], attach)
		if err != nil {
			xclog.Zero.Error().Err(err).Msg("pooler failed to send descriptor set")
			return xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "send descriptor set failed: %v", err)
		}
		if r == 0 {
			// no progress, not distinguishable from a stall: re-issue
			continue
		}
		// ancillary block went out with the first delivered chunk
		attach = nil
		offset += r
	}

	if PoolErrIsValid(errCode) {
		return p.writeDirect(packErrMsg(errMsg))
	}
	return nil
}

// RecvFds receives an 'f' envelope and returns exactly count passed
// descriptors. A reported count of zero (pool exhausted) and a count
// different from the requested one (stream out of sync) are distinct
// failures: the first is a resource error, the second a protocol
// violation.
func (p *Port) RecvFds(count int) ([]int, error) {
	dtr, ok := p.tr.(DescriptorTransport)
	if !ok {
		return nil, xcerror.New(xcerror.XC_NOT_SUPPORTED, "descriptor passing not supported on this transport")
	}

	var buf [fdSetHeaderSize]byte
	var fds []int
	offset := 0
	for offset < fdSetHeaderSize {
		n, got, err := dtr.RecvWithFds(buf[offset:], count)
		if err != nil {
			if err != io.EOF {
				xclog.Zero.Error().Err(err).Msg("could not receive descriptor set")
			}
			CloseAll(fds)
			return nil, xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "receive descriptor set failed: %v", err)
		}
		if n == 0 && len(got) == 0 {
			CloseAll(fds)
			return nil, xcerror.New(xcerror.XC_CONNECTION_ERROR, "unexpected EOF from pooler")
		}
		fds = append(fds, got...)
		offset += n
	}

	if buf[0] != MsgFdSet {
		CloseAll(fds)
		return nil, xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "unexpected message code %q", buf[0])
	}
	if sub := binary.BigEndian.Uint32(buf[1:5]); sub != 8 {
		CloseAll(fds)
		return nil, xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "invalid message size %d", sub)
	}

	returned := int(binary.BigEndian.Uint32(buf[5:9]))
	errCode := binary.BigEndian.Uint32(buf[9:13])

	var errMsg string
	if PoolErrIsValid(errCode) {
		block := make([]byte, PoolErrMsgLen)
		if err := p.readDirect(block); err != nil {
			CloseAll(fds)
			return nil, err
		}
		errMsg = unpackErrMsg(block)
	}

	// Zero means the pool had nothing to hand out. Any other mismatch
	// between requested and returned count means the connection went
	// out of sync.
	if returned == 0 {
		CloseAll(fds)
		if errMsg != "" {
			return nil, xcerror.Newf(xcerror.XC_INSUFFICIENT_RESOURCES, "failed to acquire connections: %s", errMsg)
		}
		return nil, xcerror.New(xcerror.XC_INSUFFICIENT_RESOURCES, "failed to acquire connections")
	}
	if returned != count || len(fds) != count {
		CloseAll(fds)
		return nil, xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "unexpected connection count: requested %d, got %d", count, returned)
	}

	return fds, nil
}

// SendRes transmits a fixed 's' result envelope plus any armed pool
// error.
func (p *Port) SendRes(res uint32) error {
	errCode, errMsg := p.takeError()

	size := resHeaderSize
	if PoolErrIsValid(errCode) {
		size += PoolErrMsgLen
	}
	buf := make([]byte, size)
	buf[0] = MsgResult
	binary.BigEndian.PutUint32(buf[1:5], res)
	binary.BigEndian.PutUint32(buf[5:9], errCode)
	if PoolErrIsValid(errCode) {
		copy(buf[resHeaderSize:], packErrMsg(errMsg))
	}

	return p.writeDirect(buf)
}

// RecvRes receives a fixed 's' result envelope and returns the result
// code. A non-zero result is the caller's to interpret.
func (p *Port) RecvRes(needLog bool) (uint32, error) {
	var buf [resHeaderSize]byte
	if err := p.readDirect(buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != MsgResult {
		return 0, xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "unexpected message code %q", buf[0])
	}

	res := binary.BigEndian.Uint32(buf[1:5])
	errCode := binary.BigEndian.Uint32(buf[5:9])

	if res != 0 && needLog {
		xclog.Zero.Info().Uint32("code", res).Msg("pooler returned non-zero result")
	}

	if PoolErrIsValid(errCode) {
		block := make([]byte, PoolErrMsgLen)
		if err := p.readDirect(block); err != nil {
			return 0, err
		}
		xclog.Zero.Warn().Str("error", unpackErrMsg(block)).Msg("pooler reported error")
	}

	return res, nil
}

// SendResWithCommandID transmits the extended 's' envelope: total
// length, result code, command id and an optional variable-length error
// string.
func (p *Port) SendResWithCommandID(res uint32, cmdID uint32, errMsg string) error {
	totalLen := resCmdHeaderSize + 4 + 4
	if errMsg != "" {
		totalLen += len(errMsg) + 1
	}

	buf := make([]byte, totalLen)
	buf[0] = MsgResult
	binary.BigEndian.PutUint32(buf[1:5], uint32(totalLen))
	binary.BigEndian.PutUint32(buf[5:9], res)
	binary.BigEndian.PutUint32(buf[9:13], cmdID)
	if errMsg != "" {
		copy(buf[13:], errMsg)
		buf[totalLen-1] = 0
	}

	return p.writeDirect(buf)
}

// RecvResWithCommandID receives the extended 's' envelope. The presence
// of an error string is signaled by the total length exceeding the fixed
// part.
func (p *Port) RecvResWithCommandID() (uint32, uint32, string, error) {
	var hdr [resCmdHeaderSize]byte
	if err := p.readDirect(hdr[:]); err != nil {
		return 0, 0, "", err
	}
	if hdr[0] != MsgResult {
		return 0, 0, "", xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "unexpected message code %q", hdr[0])
	}

	totalLen := int(binary.BigEndian.Uint32(hdr[1:5]))
	if totalLen < resCmdHeaderSize+8 {
		return 0, 0, "", xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "invalid result length %d", totalLen)
	}

	rest := make([]byte, totalLen-resCmdHeaderSize)
	if err := p.readDirect(rest); err != nil {
		return 0, 0, "", err
	}

	res := binary.BigEndian.Uint32(rest[0:4])
	cmdID := binary.BigEndian.Uint32(rest[4:8])

	var errMsg string
	if len(rest) > 8 {
		errMsg = unpackErrMsg(rest[8:])
	}

	return res, cmdID, errMsg, nil
}

// SendPids transmits a 'p' envelope carrying backend process ids.
func (p *Port) SendPids(pids []int32) error {
	buf := make([]byte, 5+4*len(pids))
	buf[0] = MsgPidList
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(pids)))
	for i, pid := range pids {
		binary.BigEndian.PutUint32(buf[5+4*i:], uint32(pid))
	}
	return p.writeDirect(buf)
}

// RecvPids receives a 'p' envelope. An empty list is a valid answer.
func (p *Port) RecvPids() ([]int32, error) {
	var hdr [5]byte
	if err := p.readDirect(hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != MsgPidList {
		return nil, xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "unexpected message code %q", hdr[0])
	}

	count := int(binary.BigEndian.Uint32(hdr[1:5]))
	if count == 0 {
		xclog.Zero.Warn().Msg("no transaction to abort")
		return nil, nil
	}
	if count > maxPidCount {
		return nil, xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "implausible pid count %d", count)
	}

	body := make([]byte, 4*count)
	if err := p.readDirect(body); err != nil {
		return nil, err
	}

	pids := make([]int32, count)
	for i := range pids {
		pids[i] = int32(binary.BigEndian.Uint32(body[4*i:]))
	}
	return pids, nil
}

// CloseAll closes every descriptor in fds, ignoring errors. Used to
// avoid leaking passed descriptors on a failed receive.
func CloseAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
