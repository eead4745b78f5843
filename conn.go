package wss

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

// MessageKind discriminates text and binary messages.
type MessageKind byte

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
)

const (
	// maxSendFrameSize is the largest payload sent as a single frame.
	// Larger payloads are split into chunks with headroom for the frame
	// header, so the codec's pooled send buffers stay bounded.
	maxSendFrameSize  = 65536
	sendFrameHeadroom = 14
	maxSendChunk      = maxSendFrameSize - sendFrameHeadroom

	defaultKeepAlive = 30 * time.Second
)

// Receiver states. Starting->receiving is a single compare-and-swap;
// closed and faulted are terminal.
const (
	connIdle int32 = iota
	connReceiving
	connClosing
	connClosed
	connFaulted
)

// Conn is a live server-side WebSocket connection produced by
// UpgradeContext.Accept. Sends are safe from multiple goroutines; the
// message sequence may be consumed once.
type Conn struct {
	raw    net.Conn
	stream io.ReadWriteCloser
	br     *bufio.Reader
	logger *zap.Logger

	wmu sync.Mutex // serializes frame writes: sends, pongs, pings, close

	state     atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
	aborted   atomic.Bool

	keepAlive time.Duration
	maxSeen   atomic.Int64

	statusMu    sync.Mutex
	closeCode   uint16
	closeReason string
	hasStatus   bool
}

func newConn(raw net.Conn, stream io.ReadWriteCloser, br *bufio.Reader, keepAlive time.Duration, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if br == nil {
		br = bufio.NewReader(stream)
	}
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}
	c := &Conn{
		raw:       raw,
		stream:    stream,
		br:        br,
		logger:    logger,
		keepAlive: keepAlive,
		closed:    make(chan struct{}),
	}
	if keepAlive > 0 {
		go c.pingLoop()
	}
	return c
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// CloseStatus returns the status code and reason of the close frame
// received from the peer, if any.
func (c *Conn) CloseStatus() (code uint16, reason string, ok bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.closeCode, c.closeReason, c.hasStatus
}

func (c *Conn) setCloseStatus(code uint16, reason string) {
	c.statusMu.Lock()
	c.closeCode, c.closeReason, c.hasStatus = code, reason, true
	c.statusMu.Unlock()
}

// SendBinary sends p as one binary message, split into multiple frames
// when it exceeds the single-frame limit.
func (c *Conn) SendBinary(p []byte) error {
	return c.send(ws.OpBinary, p)
}

// SendText sends s as one text message. The UTF-8 bytes are staged in a
// pooled buffer that is returned on every path.
func (c *Conn) SendText(s string) error {
	buf := bufPool.RentBytes(len(s))
	defer bufPool.ReleaseBytes(buf)
	n := copy(buf, s)
	return c.send(ws.OpText, buf[:n])
}

func (c *Conn) send(op ws.OpCode, p []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if len(p) <= maxSendFrameSize {
		if err := ws.WriteFrame(c.stream, ws.NewFrame(op, true, p)); err != nil {
			return fmt.Errorf("wss: send: %w", err)
		}
		return nil
	}
	for off := 0; off < len(p); {
		end := min(off+maxSendChunk, len(p))
		fop := op
		if off > 0 {
			fop = ws.OpContinuation
		}
		if err := ws.WriteFrame(c.stream, ws.NewFrame(fop, end == len(p), p[off:end])); err != nil {
			return fmt.Errorf("wss: send: %w", err)
		}
		off = end
	}
	return nil
}

// Close performs a normal closure (status 1000).
func (c *Conn) Close() error {
	return c.CloseWithStatus(1000, "")
}

// CloseWithStatus sends a close frame with the given status code and
// reason, then tears the connection down. Safe to call more than once.
func (c *Conn) CloseWithStatus(code uint16, reason string) error {
	return c.shutdown(true, code, reason)
}

func (c *Conn) shutdown(sendClose bool, code uint16, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		for {
			s := c.state.Load()
			if s == connClosed || s == connFaulted || c.state.CompareAndSwap(s, connClosing) {
				break
			}
		}
		if sendClose {
			c.wmu.Lock()
			err = ws.WriteFrame(c.stream, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason)))
			c.wmu.Unlock()
		}
		close(c.closed)
		if cerr := c.stream.Close(); err == nil {
			err = cerr
		}
		_ = c.raw.Close()
	})
	return err
}

// abortRead unblocks a pending read; used by consumer cancellation.
func (c *Conn) abortRead() {
	c.aborted.Store(true)
	_ = c.raw.SetReadDeadline(time.Now())
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			c.wmu.Lock()
			err := ws.WriteFrame(c.stream, ws.NewPingFrame(nil))
			c.wmu.Unlock()
			if err != nil {
				c.logger.Debug("wss: keep-alive ping", zap.Error(err))
				return
			}
		}
	}
}

// handleControl consumes one control frame. It reports done when a close
// frame ended the connection.
func (c *Conn) handleControl(h ws.Header) (done bool, err error) {
	if h.Length > 125 {
		return false, fmt.Errorf("wss: control frame of %d bytes", h.Length)
	}
	var p [125]byte
	payload := p[:h.Length]
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return false, err
	}
	if h.Masked {
		ws.Cipher(payload, h.Mask, 0)
	}
	switch h.OpCode {
	case ws.OpPing:
		c.wmu.Lock()
		werr := ws.WriteFrame(c.stream, ws.NewPongFrame(payload))
		c.wmu.Unlock()
		if werr != nil {
			return false, werr
		}
	case ws.OpPong:
		// keep-alive reply, nothing to do
	case ws.OpClose:
		code, reason := parseClosePayload(payload)
		c.setCloseStatus(code, reason)
		c.wmu.Lock()
		if len(payload) >= 2 {
			_ = ws.WriteFrame(c.stream, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason)))
		} else {
			_ = ws.WriteFrame(c.stream, ws.NewCloseFrame(nil))
		}
		c.wmu.Unlock()
		_ = c.shutdown(false, 0, "")
		return true, nil
	}
	return false, nil
}

func parseClosePayload(p []byte) (code uint16, reason string) {
	if len(p) < 2 {
		return 0, ""
	}
	return binary.BigEndian.Uint16(p[:2]), string(p[2:])
}
