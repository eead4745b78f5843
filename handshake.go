package wss

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/httphead"
)

// acceptMagic is the GUID appended to the challenge key, RFC 6455 §4.2.2.
const acceptMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxRequestHeadSize bounds the upgrade request head; anything larger is
// treated as malformed.
const maxRequestHeadSize = 64 * 1024

var headTerminator = []byte("\r\n\r\n")

func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(strings.TrimSpace(challengeKey)))
	h.Write([]byte(acceptMagic))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// readRequestHead accumulates bytes from br into a pooled buffer until the
// head terminator arrives. The head must look like a GET request as soon
// as three bytes are in. The returned buffer is pooled; the caller
// releases it.
func readRequestHead(br *bufio.Reader) ([]byte, error) {
	buf := bufPool.RentBytes(0)
	used := 0
	fail := func(err error) ([]byte, error) {
		bufPool.ReleaseBytes(buf)
		return nil, err
	}
	for {
		c, err := br.ReadByte()
		if err != nil {
			return fail(ErrClosedDuringHandshake)
		}
		if used == len(buf) {
			buf = bufPool.GrowBytes(buf, used)
		}
		buf[used] = c
		used++
		if used == 3 && !strings.EqualFold(string(buf[:3]), "GET") {
			return fail(ErrMalformedUpgrade)
		}
		if used >= len(headTerminator) && bytes.Equal(buf[used-4:used], headTerminator) {
			return buf[:used], nil
		}
		if used > maxRequestHeadSize {
			return fail(ErrMalformedUpgrade)
		}
	}
}

// UpgradeRequest is the parsed, immutable upgrade request head.
type UpgradeRequest struct {
	// RawHead is the request head exactly as received, including the
	// terminating blank line.
	RawHead string

	// Method and Target come from the request line.
	Method string
	Target string

	remoteIP net.IP
	headers  map[string]string
}

func parseRequestHead(raw string, remote net.Addr) *UpgradeRequest {
	r := &UpgradeRequest{
		RawHead: raw,
		headers: make(map[string]string),
	}
	if remote != nil {
		if tcp, ok := remote.(*net.TCPAddr); ok {
			r.remoteIP = tcp.IP
		} else if host, _, err := net.SplitHostPort(remote.String()); err == nil {
			r.remoteIP = net.ParseIP(host)
		}
	}
	lines := strings.Split(raw, "\r\n")
	if len(lines) > 0 {
		parts := strings.SplitN(lines[0], " ", 3)
		r.Method = parts[0]
		if len(parts) > 1 {
			r.Target = parts[1]
		}
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		v := line[i+1:]
		if strings.HasPrefix(v, " ") {
			v = v[1:]
		}
		// duplicate keys: last one wins
		r.headers[strings.ToLower(line[:i])] = v
	}
	return r
}

// Header returns the value of the named header, looked up
// case-insensitively. Missing headers return "".
func (r *UpgradeRequest) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// RemoteIP returns the client's IP address.
func (r *UpgradeRequest) RemoteIP() net.IP { return r.remoteIP }

// headerContainsToken reports whether the comma-separated token list in
// value contains token, compared case-insensitively.
func headerContainsToken(value, token string) bool {
	var found bool
	httphead.ScanTokens([]byte(value), func(t []byte) bool {
		if strings.EqualFold(string(t), token) {
			found = true
			return false
		}
		return true
	})
	return found
}

// IsWebSocketUpgrade returns true if the client requested upgrade to the
// WebSocket protocol. The core itself only requires the challenge key;
// applications wanting the full RFC 6455 header set check here before
// accepting.
func IsWebSocketUpgrade(r *UpgradeRequest) bool {
	return headerContainsToken(r.Header("Connection"), "upgrade") &&
		headerContainsToken(r.Header("Upgrade"), "websocket")
}

// Subprotocols returns the subprotocols requested by the client in the
// Sec-Websocket-Protocol header.
func Subprotocols(r *UpgradeRequest) []string {
	h := strings.TrimSpace(r.Header("Sec-WebSocket-Protocol"))
	if h == "" {
		return nil
	}
	protocols := strings.Split(h, ",")
	for i := range protocols {
		protocols[i] = strings.TrimSpace(protocols[i])
	}
	return protocols
}

type headerField struct {
	name  string
	value string
}

func appendHeaderFields(p []byte, fields []headerField) []byte {
	for _, f := range fields {
		p = append(p, f.name...)
		p = append(p, ": "...)
		for i := 0; i < len(f.value); i++ {
			b := f.value[i]
			if b <= 31 {
				// prevent response splitting.
				b = ' '
			}
			p = append(p, b)
		}
		p = append(p, "\r\n"...)
	}
	return p
}

// writeAcceptResponse writes the 101 response for the given challenge
// key. The encoding buffer is pooled and returned on every path.
func writeAcceptResponse(w io.Writer, challengeKey string, fields []headerField) error {
	buf := bufPool.RentBytes(0)
	defer bufPool.ReleaseBytes(buf)

	p := buf[:0]
	p = append(p, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Accept: "...)
	p = append(p, computeAcceptKey(challengeKey)...)
	p = append(p, "\r\n"...)
	p = appendHeaderFields(p, fields)
	p = append(p, "\r\n"...)

	_, err := w.Write(p)
	return err
}

// writeRejectResponse writes a non-101 response with the IANA reason
// phrase for the status code.
func writeRejectResponse(w io.Writer, status int, fields []headerField) error {
	buf := bufPool.RentBytes(0)
	defer bufPool.ReleaseBytes(buf)

	p := buf[:0]
	p = fmt.Appendf(p, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	p = appendHeaderFields(p, fields)
	p = append(p, "\r\n"...)

	_, err := w.Write(p)
	return err
}
