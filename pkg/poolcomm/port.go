package poolcomm

import (
	"encoding/binary"
	"io"

	"github.com/pg-distributed/xcpool/pkg/models/xcerror"
	"github.com/pg-distributed/xcpool/pkg/xclog"
)

const DefaultBufferSize = 16 * 1024

// Port is one endpoint of a session<->pooler connection. It owns a fixed
// capacity receive buffer and send buffer; bytes
// [recvPointer, recvLength) of the receive buffer are unconsumed input.
//
// A Port is not safe for concurrent use: one session process owns one
// endpoint.
type Port struct {
	tr Transport

	recvBuf     []byte
	recvPointer int
	recvLength  int

	sendBuf     []byte
	sendPointer int

	// pool error state shipped inside 'f' and 's' envelopes,
	// reset once sent
	errorCode uint32
	errMsg    string

	// last reported flush error, kept to log only on error transitions
	lastSendErr string
}

func NewPort(tr Transport, bufferSize int) *Port {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Port{
		tr:      tr,
		recvBuf: make([]byte, bufferSize),
		sendBuf: make([]byte, bufferSize),
	}
}

// SetError arms the pool error state carried by the next SendFds or
// SendRes call.
func (p *Port) SetError(code uint32, msg string) {
	p.errorCode = code
	p.errMsg = msg
}

func (p *Port) Close() error {
	return p.tr.Close()
}

// GetByte returns the next input byte, receiving more data when the
// buffer is exhausted. io.EOF means the peer closed the connection.
func (p *Port) GetByte() (byte, error) {
	for p.recvPointer >= p.recvLength {
		if err := p.recvbuf(); err != nil {
			return 0, err
		}
	}
	b := p.recvBuf[p.recvPointer]
	p.recvPointer++
	return b, nil
}

// PollByte consumes the next buffered byte without receiving. The second
// return distinguishes "nothing buffered right now" from actual input.
func (p *Port) PollByte() (byte, bool) {
	if p.recvPointer >= p.recvLength {
		return 0, false
	}
	b := p.recvBuf[p.recvPointer]
	p.recvPointer++
	return b, true
}

// GetBytes fills s entirely, receiving as many times as needed.
func (p *Port) GetBytes(s []byte) error {
	for len(s) > 0 {
		for p.recvPointer >= p.recvLength {
			if err := p.recvbuf(); err != nil {
				return err
			}
		}
		amount := p.recvLength - p.recvPointer
		if amount > len(s) {
			amount = len(s)
		}
		copy(s, p.recvBuf[p.recvPointer:p.recvPointer+amount])
		p.recvPointer += amount
		s = s[amount:]
	}
	return nil
}

// DiscardBytes drops exactly n input bytes. Used to get back in frame
// when a declared message length exceeds what the caller will accept.
func (p *Port) DiscardBytes(n int) error {
	for n > 0 {
		for p.recvPointer >= p.recvLength {
			if err := p.recvbuf(); err != nil {
				return err
			}
		}
		amount := p.recvLength - p.recvPointer
		if amount > n {
			amount = n
		}
		p.recvPointer += amount
		n -= amount
	}
	return nil
}

// recvbuf issues a single receive into the tail of the buffer, first
// left-justifying any unread bytes to reclaim space. One successful
// receive satisfies one call.
func (p *Port) recvbuf() error {
	if p.recvPointer > 0 {
		if p.recvLength > p.recvPointer {
			// still some unread data, left-justify it in the buffer
			copy(p.recvBuf, p.recvBuf[p.recvPointer:p.recvLength])
			p.recvLength -= p.recvPointer
			p.recvPointer = 0
		} else {
			p.recvLength = 0
			p.recvPointer = 0
		}
	}

	r, err := p.tr.Read(p.recvBuf[p.recvLength:])
	if err != nil {
		if err == io.EOF {
			// peer closed; the ultimate caller decides whether
			// that is worth logging
			return io.EOF
		}
		xclog.Zero.Error().Err(err).Msg("could not receive data from client")
		return io.EOF
	}
	if r == 0 {
		return io.EOF
	}
	p.recvLength += r
	return nil
}

// PutBytes buffers output, flushing whenever the send buffer fills up.
func (p *Port) PutBytes(s []byte) error {
	for len(s) > 0 {
		if p.sendPointer >= len(p.sendBuf) {
			if err := p.Flush(); err != nil {
				return err
			}
		}
		amount := len(p.sendBuf) - p.sendPointer
		if amount > len(s) {
			amount = len(s)
		}
		copy(p.sendBuf[p.sendPointer:], s[:amount])
		p.sendPointer += amount
		s = s[amount:]
	}
	return nil
}

// Flush writes out the send buffer, accumulating partial writes. The
// buffer offset is reset on return whether or not the flush succeeded:
// on failure the buffered output is dropped rather than risk re-sending
// stale bytes. Repeats of the same underlying error are logged only on
// an error transition to avoid log storms on a dying connection.
func (p *Port) Flush() error {
	bufptr := 0
	bufend := p.sendPointer

	for bufptr < bufend {
		r, err := p.tr.Write(p.sendBuf[bufptr:bufend])
		if err != nil {
			if err.Error() != p.lastSendErr {
				p.lastSendErr = err.Error()
				xclog.Zero.Error().Err(err).Msg("could not send data to client")
			}
			p.sendPointer = 0
			return xcerror.Newf(xcerror.XC_CONNECTION_ERROR, "flush failed: %v", err)
		}
		if r > 0 {
			p.lastSendErr = ""
		}
		bufptr += r
	}

	p.sendPointer = 0
	return nil
}

// LastSendError exposes the flush deduplication state.
func (p *Port) LastSendError() string {
	return p.lastSendErr
}

// PutMessage appends one framed message to the send buffer: tag byte,
// big-endian total length counting itself, payload. The caller flushes.
func (p *Port) PutMessage(tag byte, payload []byte) error {
	if err := p.PutBytes([]byte{tag}); err != nil {
		return err
	}
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(payload)+4))
	if err := p.PutBytes(lenbuf[:]); err != nil {
		return err
	}
	return p.PutBytes(payload)
}

// GetMessage reads one framed message body: the 4-byte length word and
// the payload it announces. The tag byte is consumed by the caller
// beforehand, via GetByte.
//
// A length below 4, end-of-stream inside the message, or a failed
// resynchronization after an over-limit length are protocol failures;
// the last one is unrecoverable since byte alignment is lost.
func (p *Port) GetMessage(maxLen int) ([]byte, error) {
	var lenbuf [4]byte
	if err := p.GetBytes(lenbuf[:]); err != nil {
		return nil, xcerror.New(xcerror.XC_PROTOCOL_VIOLATION, "unexpected EOF within message length word")
	}

	msgLen := int(binary.BigEndian.Uint32(lenbuf[:]))
	if msgLen < 4 {
		return nil, xcerror.Newf(xcerror.XC_PROTOCOL_VIOLATION, "invalid message length %d", msgLen)
	}

	msgLen -= 4
	if maxLen > 0 && msgLen > maxLen-4 {
		// Too large to accept: skip the payload so the stream stays
		// aligned on the next message, then report.
		if err := p.DiscardBytes(msgLen); err != nil {
			return nil, xcerror.Newf(xcerror.XC_FRAMING_LOST, "incomplete oversized message of length %d", msgLen+4)
		}
		return nil, xcerror.Newf(xcerror.XC_INSUFFICIENT_RESOURCES, "message length %d exceeds maximum %d", msgLen+4, maxLen)
	}

	payload := make([]byte, msgLen)
	if err := p.GetBytes(payload); err != nil {
		return nil, xcerror.New(xcerror.XC_PROTOCOL_VIOLATION, "incomplete message from client")
	}
	return payload, nil
}
