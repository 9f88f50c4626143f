package channel

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/echorelay/relay/internal/grant"
	"github.com/echorelay/relay/internal/monitoring"
	"github.com/echorelay/relay/internal/protocol"
)

// ConnState is the connection lifecycle position. Transitions:
// Pending -> Authenticated -> Closing -> Closed. Pending has a bounded grace
// window within which a valid connect frame must arrive.
type ConnState int32

const (
	StatePending ConnState = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

const (
	writeWait = 10 * time.Second

	// closeLinger keeps the transport up after the close frame so the peer
	// can consume it and reply before the socket disappears.
	closeLinger = time.Second
)

// Conn is one live client session, owned by exactly one actor for its
// lifetime. The grant and subscribed set are mutated only on the actor
// goroutine; state and queuedBytes are atomics because the pumps read them.
type Conn struct {
	ID    string
	sock  net.Conn
	actor *Actor

	grant      *grant.Grant
	subscribed map[string]struct{}

	state       atomic.Int32
	outbox      chan []byte
	queuedBytes atomic.Int64

	frameLimiter *rate.Limiter

	closeOnce   sync.Once
	closed      chan struct{}
	readDone    chan struct{}
	connectedAt time.Time
}

func newConn(id string, sock net.Conn, a *Actor) *Conn {
	c := &Conn{
		ID:           id,
		sock:         sock,
		actor:        a,
		subscribed:   make(map[string]struct{}),
		outbox:       make(chan []byte, a.opts.OutboxSlots),
		frameLimiter: rate.NewLimiter(rate.Limit(a.opts.FrameRate), a.opts.FrameRateBurst),
		closed:       make(chan struct{}),
		readDone:     make(chan struct{}),
		connectedAt:  time.Now(),
	}
	c.state.Store(int32(StatePending))
	return c
}

// State returns the current lifecycle position.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) authenticated() bool {
	return c.State() == StateAuthenticated
}

// enqueue hands a serialized frame to the write pump without blocking. A
// connection whose egress queue exceeds its byte budget, or whose outbox has
// no free slot, is too slow to keep up and is closed so it cannot stall the
// actor. Returns false when the frame was not queued.
func (c *Conn) enqueue(data []byte) bool {
	if c.State() >= StateClosing {
		return false
	}

	n := int64(len(data))
	if c.queuedBytes.Add(n) > c.actor.opts.EgressBudgetBytes {
		c.queuedBytes.Add(-n)
		monitoring.SlowClientsClosed.Inc()
		c.close(protocol.CloseTimeout, "egress budget exceeded")
		return false
	}

	select {
	case c.outbox <- data:
		monitoring.BytesSent.Add(float64(n))
		return true
	default:
		c.queuedBytes.Add(-n)
		monitoring.SlowClientsClosed.Inc()
		c.close(protocol.CloseTimeout, "egress queue full")
		return false
	}
}

// close shuts the connection down exactly once: best-effort close frame with
// the application code, a short linger, then the socket. Socket teardown runs
// on its own goroutine; the actor must never block on a victim's socket, so a
// slow client cannot stall delivery to the rest of the channel. Actor-side
// cleanup happens when the read pump exits and reports the departure.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.closed)

		go func() {
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
			wsutil.WriteServerMessage(c.sock, ws.OpClose, body)

			// Force the read pump off its long deadline, then drain the
			// peer's close reply before tearing down the transport.
			c.sock.SetReadDeadline(time.Now().Add(closeLinger))
			select {
			case <-c.readDone:
			case <-time.After(writeWait):
			}
			io.Copy(io.Discard, c.sock)
			c.sock.Close()

			c.state.Store(int32(StateClosed))
			monitoring.DisconnectsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
		}()
	})
}

// readPump drains inbound frames and forwards them to the actor mailbox. It
// owns the read deadline: two missed heartbeat intervals without any frame
// (data or control) closes the connection with a timeout.
func (c *Conn) readPump() {
	defer close(c.readDone)
	defer monitoring.RecoverPanic(c.actor.logger, "readPump", map[string]any{
		"conn_id": c.ID,
	})
	defer func() {
		c.close(protocol.CloseTimeout, "read loop ended")
		c.actor.leave(c)
	}()

	readTimeout := 2 * c.actor.opts.HeartbeatInterval
	controlHandler := wsutil.ControlFrameHandler(c.sock, ws.StateServerSide)
	reader := &wsutil.Reader{
		Source:         c.sock,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	for {
		select {
		case <-c.closed:
			return
		default:
		}
		c.sock.SetReadDeadline(time.Now().Add(readTimeout))

		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}

		if hdr.OpCode.IsControl() {
			// Pongs and pings refresh the deadline like data frames do, so an
			// idle but responsive subscriber is never timed out.
			if err := controlHandler(hdr, reader); err != nil {
				return
			}
			continue
		}

		if hdr.Length > c.actor.opts.MaxFrameBytes {
			monitoring.FramesRejected.WithLabelValues("too_large").Inc()
			c.close(protocol.CloseBadRequest, "frame too large")
			return
		}

		payload, err := io.ReadAll(io.LimitReader(reader, c.actor.opts.MaxFrameBytes+1))
		if err != nil {
			return
		}
		if int64(len(payload)) > c.actor.opts.MaxFrameBytes {
			monitoring.FramesRejected.WithLabelValues("too_large").Inc()
			c.close(protocol.CloseBadRequest, "frame too large")
			return
		}
		monitoring.BytesReceived.Add(float64(len(payload)))

		tIngress := c.actor.clock.NowMillis()

		frame, err := protocol.Decode(payload, c.actor.opts.MaxFrameBytes)
		if err != nil {
			monitoring.FramesRejected.WithLabelValues("malformed").Inc()
			c.close(protocol.CloseBadRequest, err.Error())
			return
		}

		if !c.frameLimiter.Allow() {
			monitoring.RateLimitedFrames.Inc()
			c.sendRateLimited(frame)
			continue
		}

		if !c.actor.dispatch(c, frame, tIngress) {
			// Actor is shutting down.
			c.close(protocol.CloseConflict, "channel closed")
			return
		}
	}
}

// sendRateLimited acknowledges a dropped frame so the client can tell flow
// control from silence. The connection stays open.
func (c *Conn) sendRateLimited(frame *protocol.Frame) {
	ack := protocol.AckData{
		Path:   string(frame.Type),
		Result: protocol.AckResult{OK: false, Code: protocol.CodeRateLimited, Message: "message rate exceeded"},
	}
	switch frame.Type {
	case protocol.PacketPublish:
		ack.ClientMsgID = frame.Publish.ClientMsgID
		ack.RequestID = frame.Publish.RequestID
	case protocol.PacketSubscribe:
		ack.RequestID = frame.Subscribe.RequestID
	case protocol.PacketUnsubscribe:
		ack.RequestID = frame.Unsubscribe.RequestID
	}
	if data, err := protocol.EncodeAck(ack); err == nil {
		c.enqueue(data)
	}
}

// writePump flushes the outbox to the socket, batching queued frames into one
// syscall where possible, and pings on the heartbeat interval.
func (c *Conn) writePump() {
	defer monitoring.RecoverPanic(c.actor.logger, "writePump", map[string]any{
		"conn_id": c.ID,
	})

	writer := bufio.NewWriter(c.sock)
	ticker := time.NewTicker(c.actor.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close(protocol.CloseTimeout, "write loop ended")
	}()

	writeOne := func(message []byte) error {
		err := wsutil.WriteServerMessage(writer, ws.OpText, message)
		c.queuedBytes.Add(-int64(len(message)))
		return err
	}

	for {
		select {
		case <-c.closed:
			return

		case message := <-c.outbox:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeOne(message); err != nil {
				return
			}

			// Drain whatever else is queued before flushing.
			n := len(c.outbox)
			for i := 0; i < n; i++ {
				if err := writeOne(<-c.outbox); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
