package wss

import (
	"context"
	"io"
	"iter"

	"github.com/gobwas/ws"
)

// recvQueueDepth bounds the queue between the frame-reassembly producer
// and the yielding loop so decode and I/O can overlap. Delivery stays
// strict FIFO per connection: there is a single producer.
const recvQueueDepth = 8

// Messages returns the connection's whole messages as a lazy sequence.
// The range body is the iteration step: message views are invalidated as
// soon as it returns. The sequence ends silently on remote close, local
// close, or any I/O error, and ends after at most one pending receive
// when ctx is cancelled. It can be consumed once; a second call yields
// nothing.
func (c *Conn) Messages(ctx context.Context) iter.Seq[*Message] {
	return func(yield func(*Message) bool) {
		if !c.state.CompareAndSwap(connIdle, connReceiving) {
			return
		}
		msgs := make(chan *Message, recvQueueDepth)
		stop := make(chan struct{})
		go c.receiveLoop(msgs, stop)

		unblock := context.AfterFunc(ctx, c.abortRead)
		defer unblock()

		// finish stops the producer and releases anything in flight.
		finish := func() {
			close(stop)
			c.abortRead()
			for m := range msgs {
				m.release()
			}
		}

		for {
			select {
			case <-ctx.Done():
				finish()
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				keep := yield(m)
				m.release()
				if !keep {
					finish()
					return
				}
			}
		}
	}
}

// receiveLoop drives the frame codec, reassembling fragments into whole
// messages. It owns at most one pooled buffer at a time; ownership moves
// to the consumer on delivery and every exit path releases what is still
// held here.
func (c *Conn) receiveLoop(msgs chan<- *Message, stop <-chan struct{}) {
	var (
		buf      = bufPool.RentBytes(int(c.maxSeen.Load()))
		used     = 0
		kind     MessageKind
		terminal = connFaulted
	)
	defer func() {
		if buf != nil {
			bufPool.ReleaseBytes(buf)
		}
		c.finishReceive(terminal)
		close(msgs)
	}()
	for {
		select {
		case <-stop:
			terminal = connClosed
			return
		default:
		}
		h, err := ws.ReadHeader(c.br)
		if err != nil {
			terminal = c.terminalAfterError(stop)
			return
		}
		if h.OpCode.IsControl() {
			done, cerr := c.handleControl(h)
			if cerr != nil {
				terminal = c.terminalAfterError(stop)
				return
			}
			if done {
				terminal = connClosed
				return
			}
			continue
		}
		switch h.OpCode {
		case ws.OpText:
			kind = TextMessage
		case ws.OpBinary:
			kind = BinaryMessage
		case ws.OpContinuation:
			if kind == 0 {
				return // continuation with nothing to continue
			}
		default:
			return
		}
		n := int(h.Length)
		if need := used + n; len(buf) < need {
			nb := bufPool.RentBytes(max(need, 2*len(buf)))
			copy(nb, buf[:used])
			bufPool.ReleaseBytes(buf)
			buf = nb
		}
		if _, err := io.ReadFull(c.br, buf[used:used+n]); err != nil {
			terminal = c.terminalAfterError(stop)
			return
		}
		if h.Masked {
			ws.Cipher(buf[used:used+n], h.Mask, 0)
		}
		used += n
		if !h.Fin {
			continue
		}
		if int64(used) > c.maxSeen.Load() {
			c.maxSeen.Store(int64(used))
		}
		m := newMessage(kind, buf, used)
		buf, used, kind = nil, 0, 0
		select {
		case msgs <- m:
		case <-stop:
			m.release()
			terminal = connClosed
			return
		}
		// size the next buffer to the largest message seen so far
		buf = bufPool.RentBytes(int(c.maxSeen.Load()))
	}
}

// terminalAfterError distinguishes a fault from a read unblocked by local
// close or consumer cancellation.
func (c *Conn) terminalAfterError(stop <-chan struct{}) int32 {
	if c.aborted.Load() {
		return connClosed
	}
	select {
	case <-stop:
		return connClosed
	default:
	}
	select {
	case <-c.closed:
		return connClosed
	default:
	}
	return connFaulted
}

func (c *Conn) finishReceive(terminal int32) {
	c.state.Store(terminal)
	if terminal == connFaulted {
		_ = c.shutdown(false, 0, "")
	}
}
