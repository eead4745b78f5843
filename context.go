package wss

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StreamDecorator wraps the byte stream of an accepted connection,
// typically with TLS or compression. It may fail; a failed decoration
// destroys the connection.
type StreamDecorator func(stream io.ReadWriteCloser) (io.ReadWriteCloser, error)

const (
	upgradePending int32 = iota
	upgradeAccepted
	upgradeRejected
	upgradeFailed
)

// UpgradeResponse collects the status code and extra headers written back
// to the client. It is mutable until Accept or Reject commits it.
type UpgradeResponse struct {
	status    int
	fields    []headerField
	committed bool
}

// Status returns the currently set status code, zero if unset. An unset
// status means 101 on Accept and 401 on Reject.
func (r *UpgradeResponse) Status() int { return r.status }

// SetStatus sets the response status code.
func (r *UpgradeResponse) SetStatus(code int) error {
	if r.committed {
		return ErrInvalidState
	}
	r.status = code
	return nil
}

// SetHeader sets an extra response header, replacing any previous value.
func (r *UpgradeResponse) SetHeader(name, value string) error {
	if r.committed {
		return ErrInvalidState
	}
	for i := range r.fields {
		if r.fields[i].name == name {
			r.fields[i].value = value
			return nil
		}
	}
	r.fields = append(r.fields, headerField{name: name, value: value})
	return nil
}

// UpgradeContext is the single-use capability handed to the client-request
// callback. Exactly one of Accept or Reject must be called; returning from
// the callback without committing rejects the connection implicitly.
type UpgradeContext struct {
	// Request is the parsed upgrade request, read-only.
	Request *UpgradeRequest

	// Response is mutable until Accept or Reject commits it.
	Response *UpgradeResponse

	conn      net.Conn
	stream    io.ReadWriteCloser
	br        *bufio.Reader
	decorated bool
	keepAlive time.Duration
	logger    *zap.Logger

	state atomic.Int32
	ws    *Conn
}

// DecorateStream replaces the connection's byte stream. It must be called
// before Accept, at most once per decorator. If fn fails the context
// becomes terminal and the TCP connection is destroyed.
func (u *UpgradeContext) DecorateStream(fn StreamDecorator) error {
	if u.state.Load() != upgradePending {
		return ErrInvalidState
	}
	s, err := fn(u.stream)
	if err != nil {
		u.state.Store(upgradeFailed)
		u.conn.Close()
		return fmt.Errorf("wss: stream decorator: %w", err)
	}
	u.stream = s
	u.decorated = true
	return nil
}

// Accept commits the response with status 101, writes it, and returns the
// live WebSocket connection over the (possibly decorated) stream. It
// fails with ErrInvalidState if the context was already committed or the
// response status was explicitly set to something other than 101.
func (u *UpgradeContext) Accept() (*Conn, error) {
	if !u.state.CompareAndSwap(upgradePending, upgradeAccepted) {
		return nil, ErrInvalidState
	}
	if s := u.Response.status; s != 0 && s != http.StatusSwitchingProtocols {
		u.fail()
		return nil, ErrInvalidState
	}
	key := u.Request.Header("Sec-WebSocket-Key")
	if key == "" {
		u.fail()
		return nil, ErrMalformedUpgrade
	}
	u.Response.status = http.StatusSwitchingProtocols
	u.Response.committed = true
	if err := writeAcceptResponse(u.stream, key, u.Response.fields); err != nil {
		u.fail()
		return nil, fmt.Errorf("wss: write upgrade response: %w", err)
	}
	br := u.br
	if u.decorated {
		// handshake bytes were read off the raw stream; a decorated
		// stream needs its own reader
		br = bufio.NewReader(u.stream)
	}
	u.ws = newConn(u.conn, u.stream, br, u.keepAlive, u.logger)
	return u.ws, nil
}

// Reject commits the response with the given non-101 status, writes it,
// and closes the TCP connection. A zero status falls back to the status
// set on the response, or 401 Unauthorized.
func (u *UpgradeContext) Reject(status int) error {
	if status == http.StatusSwitchingProtocols {
		return ErrInvalidState
	}
	if !u.state.CompareAndSwap(upgradePending, upgradeRejected) {
		return ErrInvalidState
	}
	if status == 0 {
		status = u.Response.status
	}
	if status == 0 || status == http.StatusSwitchingProtocols {
		status = http.StatusUnauthorized
	}
	u.Response.status = status
	u.Response.committed = true
	err := writeRejectResponse(u.stream, status, u.Response.fields)
	u.conn.Close()
	if err != nil {
		return fmt.Errorf("wss: write reject response: %w", err)
	}
	return nil
}

func (u *UpgradeContext) fail() {
	u.state.Store(upgradeFailed)
	u.conn.Close()
}
