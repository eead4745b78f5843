package wss

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

func writeClientFrame(t *testing.T, w io.Writer, op ws.OpCode, fin bool, payload []byte) {
	t.Helper()
	if err := ws.WriteFrame(w, ws.MaskFrame(ws.NewFrame(op, fin, payload))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func collectMessages(c *Conn, ctx context.Context, want int) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		var got []string
		for m := range c.Messages(ctx) {
			got = append(got, fmt.Sprintf("%d:%s", m.Kind(), m.String()))
			if want > 0 && len(got) == want {
				break
			}
		}
		out <- got
	}()
	return out
}

func TestMessagesYieldsWholeMessage(t *testing.T) {
	c, client := newTestConn(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var n int
		for m := range c.Messages(context.Background()) {
			n++
			if m.Kind() != TextMessage {
				t.Errorf("kind = %d", m.Kind())
			}
			if m.String() != "ping" || m.Len() != 4 {
				t.Errorf("message = %q len %d", m.String(), m.Len())
			}
			if got := m.Runes(); len(got) != 4 {
				t.Errorf("runes = %v", got)
			}
			if !bytes.Equal(m.Data(), []byte("ping")) {
				t.Errorf("data = %v", m.Data())
			}
		}
		if n != 1 {
			t.Errorf("yielded %d messages", n)
		}
	}()

	writeClientFrame(t, client, ws.OpText, true, []byte("ping"))
	client.Close()
	<-done
}

func TestMessagesTextRunes(t *testing.T) {
	const text = "héllo wörld — 世界 🚀"
	c, client := newTestConn(t)
	runeCount := make(chan int, 1)
	go func() {
		for m := range c.Messages(context.Background()) {
			runeCount <- len(m.Runes())
			if m.String() != text {
				t.Errorf("text = %q", m.String())
			}
		}
	}()
	writeClientFrame(t, client, ws.OpText, true, []byte(text))
	if got, want := <-runeCount, utf8.RuneCountInString(text); got != want {
		t.Errorf("rune count = %d, want %d", got, want)
	}
	client.Close()
}

func TestMessagesFragmented(t *testing.T) {
	const frames = 17
	payload := make([]byte, frames*100)
	for i := range payload {
		payload[i] = byte(i)
	}
	c, client := newTestConn(t)
	done := collectMessages(c, context.Background(), 0)

	for i := 0; i < frames; i++ {
		op := ws.OpContinuation
		if i == 0 {
			op = ws.OpBinary
		}
		writeClientFrame(t, client, op, i == frames-1, payload[i*100:(i+1)*100])
	}
	client.Close()

	got := <-done
	if len(got) != 1 {
		t.Fatalf("yielded %d messages, want 1", len(got))
	}
	if want := fmt.Sprintf("%d:%s", BinaryMessage, payload); got[0] != want {
		t.Errorf("reassembled message differs, got %d bytes", len(got[0]))
	}
}

func TestMessagesOrder(t *testing.T) {
	c, client := newTestConn(t)
	done := collectMessages(c, context.Background(), 0)
	const k = 20
	for i := 0; i < k; i++ {
		writeClientFrame(t, client, ws.OpText, true, []byte(fmt.Sprintf("msg-%02d", i)))
	}
	client.Close()

	got := <-done
	if len(got) != k {
		t.Fatalf("yielded %d messages, want %d", len(got), k)
	}
	for i, g := range got {
		if want := fmt.Sprintf("%d:msg-%02d", TextMessage, i); g != want {
			t.Errorf("message %d = %q, want %q", i, g, want)
		}
	}
}

func TestMessagesCloseFrame(t *testing.T) {
	c, client := newTestConn(t)
	done := collectMessages(c, context.Background(), 0)

	writeClientFrame(t, client, ws.OpClose, true, ws.NewCloseFrameBody(1000, "bye"))

	// the close is echoed with the remote's status and reason
	br := bufio.NewReader(client)
	h, err := ws.ReadHeader(br)
	if err != nil {
		t.Fatal(err)
	}
	if h.OpCode != ws.OpClose {
		t.Fatalf("echo opcode = %v", h.OpCode)
	}
	p := make([]byte, h.Length)
	if _, err := io.ReadFull(br, p); err != nil {
		t.Fatal(err)
	}
	if code, reason := parseClosePayload(p); code != 1000 || reason != "bye" {
		t.Errorf("echoed close = %d %q", code, reason)
	}

	if got := <-done; len(got) != 0 {
		t.Errorf("yielded %d messages after close", len(got))
	}
	code, reason, ok := c.CloseStatus()
	if !ok || code != 1000 || reason != "bye" {
		t.Errorf("CloseStatus = %d %q %v", code, reason, ok)
	}
	if got := c.state.Load(); got != connClosed {
		t.Errorf("state = %d, want closed", got)
	}
}

func TestMessagesPingGetsPong(t *testing.T) {
	c, client := newTestConn(t)
	done := collectMessages(c, context.Background(), 0)

	writeClientFrame(t, client, ws.OpPing, true, []byte("ka"))
	br := bufio.NewReader(client)
	h, err := ws.ReadHeader(br)
	if err != nil {
		t.Fatal(err)
	}
	p := make([]byte, h.Length)
	if _, err := io.ReadFull(br, p); err != nil {
		t.Fatal(err)
	}
	if h.OpCode != ws.OpPong || string(p) != "ka" {
		t.Errorf("reply = %v %q", h.OpCode, p)
	}
	client.Close()
	<-done
}

func TestMessagesCancellation(t *testing.T) {
	c, client := newTestConn(t)
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range c.Messages(ctx) {
			t.Error("unexpected message")
		}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("sequence did not terminate after cancellation")
	}
}

func TestMessagesConsumedOnce(t *testing.T) {
	c, client := newTestConn(t)
	done := collectMessages(c, context.Background(), 0)
	writeClientFrame(t, client, ws.OpText, true, []byte("one"))
	client.Close()
	if got := <-done; len(got) != 1 {
		t.Fatalf("first pass yielded %d", len(got))
	}
	for range c.Messages(context.Background()) {
		t.Fatal("second Messages call yielded")
	}
}

func TestMessagesEarlyBreakStopsProducer(t *testing.T) {
	c, client := newTestConn(t)
	go func() {
		for i := 0; i < 50; i++ {
			frame := ws.MaskFrame(ws.NewFrame(ws.OpText, true, []byte("spam")))
			if ws.WriteFrame(client, frame) != nil {
				return
			}
		}
	}()
	got := <-collectMessages(c, context.Background(), 3)
	if len(got) != 3 {
		t.Fatalf("yielded %d messages, want 3", len(got))
	}
}

func TestReceiveBufferBalance(t *testing.T) {
	before := bufPool.Rented()
	c, client := newTestConn(t)
	done := collectMessages(c, context.Background(), 0)
	for i := 0; i < 5; i++ {
		writeClientFrame(t, client, ws.OpText, true, []byte("balance"))
	}
	writeClientFrame(t, client, ws.OpBinary, true, make([]byte, 10000))
	go io.Copy(io.Discard, client)
	client.Close()
	if got := <-done; len(got) != 6 {
		t.Fatalf("yielded %d messages", len(got))
	}
	// the producer releases its working buffer before the sequence ends
	if got := bufPool.Rented(); got != before {
		t.Errorf("outstanding buffers = %d, want %d", got, before)
	}
}
