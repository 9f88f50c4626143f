// Package channel implements the per-channel actor: a single goroutine that
// owns every live connection for one (project, channel, location), serializes
// all state transitions through a mailbox, assigns sequence numbers, and fans
// published messages out to subscribers. Parallelism exists across channels,
// never within one.
package channel

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/echorelay/relay/internal/grant"
	"github.com/echorelay/relay/internal/monitoring"
	"github.com/echorelay/relay/internal/protocol"
	"github.com/echorelay/relay/internal/usage"
)

// ErrChannelFull rejects joins beyond the per-channel connection cap.
var ErrChannelFull = errors.New("channel connection limit reached")

// PeerPublisher republishes locally accepted messages to other relay nodes.
// Implementations must not block the caller.
type PeerPublisher interface {
	PublishRemote(projectID, channelName, topic string, body protocol.MessageBody)
}

// Options tunes actor behavior. Zero values get sane defaults via normalize.
type Options struct {
	HeartbeatInterval time.Duration
	ConnectGrace      time.Duration
	MaxFrameBytes     int64
	EgressBudgetBytes int64
	OutboxSlots       int
	FrameRateBurst    int
	FrameRate         float64
	MaxConnsPerActor  int
}

func (o Options) normalize() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.ConnectGrace <= 0 {
		o.ConnectGrace = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 128 * 1024
	}
	if o.EgressBudgetBytes <= 0 {
		o.EgressBudgetBytes = 1 << 20
	}
	if o.OutboxSlots <= 0 {
		o.OutboxSlots = 256
	}
	if o.FrameRateBurst <= 0 {
		o.FrameRateBurst = 100
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 50
	}
	if o.MaxConnsPerActor <= 0 {
		o.MaxConnsPerActor = 1000
	}
	return o
}

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdFrame
	cmdLeave
	cmdGraceExpired
	cmdRemote
)

type command struct {
	kind     cmdKind
	conn     *Conn
	frame    *protocol.Frame
	tIngress float64
	remote   *protocol.MessageBody
}

// Actor is one channel instance. All fields below the mailbox are touched
// only by the run goroutine.
type Actor struct {
	projectID   string
	channelName string
	location    string

	opts     Options
	verifier *grant.Verifier
	sink     usage.Sink
	peer     PeerPublisher
	logger   zerolog.Logger
	clock    *monotonicClock
	ids      *idFactory

	mailbox  chan command
	done     chan struct{}
	stopOnce sync.Once

	connCount  atomic.Int64
	emptySince atomic.Int64 // unix nano of the moment connCount hit zero

	conns       map[string]*Conn
	subscribers map[string]map[string]*Conn
	nextSeq     uint64
}

// NewActor builds and starts a channel actor.
func NewActor(projectID, channelName, location string, opts Options, verifier *grant.Verifier, sink usage.Sink, peer PeerPublisher, logger zerolog.Logger) *Actor {
	if sink == nil {
		sink = usage.NopSink{}
	}
	a := &Actor{
		projectID:   projectID,
		channelName: channelName,
		location:    location,
		opts:        opts.normalize(),
		verifier:    verifier,
		sink:        sink,
		peer:        peer,
		logger: logger.With().
			Str("component", "channel_actor").
			Str("project_id", projectID).
			Str("channel", channelName).
			Str("location", location).
			Logger(),
		clock:       newMonotonicClock(),
		ids:         newIDFactory(projectID + "/" + channelName + "/" + location),
		mailbox:     make(chan command, 1024),
		done:        make(chan struct{}),
		conns:       make(map[string]*Conn),
		subscribers: make(map[string]map[string]*Conn),
	}
	a.emptySince.Store(time.Now().UnixNano())

	go a.run()
	return a
}

// ConnCount returns the number of registered connections.
func (a *Actor) ConnCount() int {
	return int(a.connCount.Load())
}

// IdleSince reports when the actor last dropped to zero connections. Zero
// time while connections are live.
func (a *Actor) IdleSince() time.Time {
	if a.connCount.Load() > 0 {
		return time.Time{}
	}
	return time.Unix(0, a.emptySince.Load())
}

// Join admits an upgraded socket into this channel and starts its pumps. The
// connection enters Pending and must deliver a valid connect frame within the
// grace window.
func (a *Actor) Join(sock net.Conn) (*Conn, error) {
	if a.connCount.Add(1) > int64(a.opts.MaxConnsPerActor) {
		a.connCount.Add(-1)
		return nil, ErrChannelFull
	}

	c := newConn(uuid.NewString(), sock, a)
	if !a.post(command{kind: cmdJoin, conn: c}) {
		a.connCount.Add(-1)
		return nil, errors.New("channel actor stopped")
	}

	go c.readPump()
	go c.writePump()

	time.AfterFunc(a.opts.ConnectGrace, func() {
		a.post(command{kind: cmdGraceExpired, conn: c})
	})

	return c, nil
}

// InjectRemote delivers a message accepted on another node to local
// subscribers of its topic. No sequencing; the body is fanned out as-is.
func (a *Actor) InjectRemote(body protocol.MessageBody) {
	b := body
	a.post(command{kind: cmdRemote, remote: &b})
}

// Stop terminates the actor, closing any remaining connections. Idempotent.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

func (a *Actor) dispatch(c *Conn, frame *protocol.Frame, tIngress float64) bool {
	return a.post(command{kind: cmdFrame, conn: c, frame: frame, tIngress: tIngress})
}

func (a *Actor) leave(c *Conn) {
	a.post(command{kind: cmdLeave, conn: c})
}

func (a *Actor) post(cmd command) bool {
	select {
	case <-a.done:
		return false
	case a.mailbox <- cmd:
		return true
	}
}

func (a *Actor) run() {
	defer monitoring.RecoverPanic(a.logger, "channelActor", map[string]any{
		"channel": a.channelName,
	})

	for {
		select {
		case <-a.done:
			// Read pumps cannot report departures once done is closed, so
			// the accounting for the remaining connections happens here.
			for _, c := range a.conns {
				c.close(protocol.CloseConflict, "channel shutting down")
				monitoring.ConnectionsActive.Dec()
			}
			a.conns = nil
			a.connCount.Store(0)
			return

		case cmd := <-a.mailbox:
			switch cmd.kind {
			case cmdJoin:
				a.handleJoin(cmd.conn)
			case cmdFrame:
				a.handleFrame(cmd.conn, cmd.frame, cmd.tIngress)
			case cmdLeave:
				a.handleLeave(cmd.conn)
			case cmdGraceExpired:
				a.handleGraceExpired(cmd.conn)
			case cmdRemote:
				a.handleRemote(*cmd.remote)
			}
		}
	}
}

func (a *Actor) handleJoin(c *Conn) {
	a.conns[c.ID] = c
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	a.logger.Debug().Str("conn_id", c.ID).Msg("Connection joined channel")
}

// handleLeave removes the connection from the connection map and from every
// subscriber set it appears in. Idempotent; the read pump, close paths and
// grace timer may all report the same departure.
func (a *Actor) handleLeave(c *Conn) {
	if _, ok := a.conns[c.ID]; !ok {
		return
	}
	delete(a.conns, c.ID)

	for topic := range c.subscribed {
		if set, ok := a.subscribers[topic]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(a.subscribers, topic)
			}
		}
	}
	c.subscribed = make(map[string]struct{})

	if a.connCount.Add(-1) == 0 {
		a.emptySince.Store(time.Now().UnixNano())
	}
	monitoring.ConnectionsActive.Dec()
	a.logger.Debug().Str("conn_id", c.ID).Msg("Connection left channel")
}

func (a *Actor) handleGraceExpired(c *Conn) {
	if _, ok := a.conns[c.ID]; !ok {
		return
	}
	if c.State() == StatePending {
		a.logger.Debug().Str("conn_id", c.ID).Msg("Connect grace window expired")
		c.close(protocol.CloseTimeout, "no connect within grace window")
	}
}

func (a *Actor) handleFrame(c *Conn, frame *protocol.Frame, tIngress float64) {
	monitoring.FramesReceived.WithLabelValues(string(frame.Type)).Inc()

	switch frame.Type {
	case protocol.PacketConnect:
		a.handleConnect(c, frame.Connect)
	case protocol.PacketSubscribe:
		a.handleSubscribe(c, frame.Subscribe)
	case protocol.PacketUnsubscribe:
		a.handleUnsubscribe(c, frame.Unsubscribe)
	case protocol.PacketPublish:
		a.handlePublish(c, frame.Publish, tIngress)
	}
}

func (a *Actor) handleConnect(c *Conn, data *protocol.ConnectData) {
	if c.authenticated() {
		// Duplicate connect on an authenticated session is a no-op.
		return
	}

	g, err := a.verifier.Verify(data.GrantJWT)
	if err != nil {
		switch {
		case errors.Is(err, grant.ErrExpired), errors.Is(err, grant.ErrBadSignature):
			c.close(protocol.CloseUnauthorized, "grant rejected")
		default:
			c.close(protocol.CloseBadRequest, "grant malformed")
		}
		monitoring.FramesRejected.WithLabelValues("bad_grant").Inc()
		return
	}

	if g.ProjectID != a.projectID || g.Channel != a.channelName {
		monitoring.FramesRejected.WithLabelValues("grant_mismatch").Inc()
		c.close(protocol.CloseForbidden, "grant does not cover this channel")
		return
	}

	c.grant = g
	c.state.Store(int32(StateAuthenticated))
	a.sink.Record(usage.Event{
		ProjectID: a.projectID,
		Event:     usage.EventConnect,
		Timestamp: time.Now().UTC(),
	})
	a.logger.Debug().Str("conn_id", c.ID).Str("user_id", g.UserID).Msg("Connection authenticated")
}

func (a *Actor) handleSubscribe(c *Conn, data *protocol.SubscribeData) {
	ack := protocol.AckData{Path: "subscribe", RequestID: data.RequestID}

	switch {
	case !c.authenticated():
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeUnauthorized, Message: "connect first"}
	case data.Topic == grant.Wildcard || !grant.ValidTopic(data.Topic):
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeInvalid, Message: "invalid topic"}
	case !c.grant.CanSubscribe(data.Topic):
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeForbidden, Message: "grant does not allow subscribing to this topic"}
	default:
		if _, already := c.subscribed[data.Topic]; !already {
			c.subscribed[data.Topic] = struct{}{}
			set := a.subscribers[data.Topic]
			if set == nil {
				set = make(map[string]*Conn)
				a.subscribers[data.Topic] = set
			}
			set[c.ID] = c

			a.sink.Record(usage.Event{
				ProjectID: a.projectID,
				Event:     usage.EventSubscribe,
				Timestamp: time.Now().UTC(),
			})
		}
		ack.Result = protocol.AckResult{OK: true}
	}

	a.sendAck(c, ack)
}

func (a *Actor) handleUnsubscribe(c *Conn, data *protocol.UnsubscribeData) {
	ack := protocol.AckData{Path: "unsubscribe", RequestID: data.RequestID}

	if !c.authenticated() {
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeUnauthorized, Message: "connect first"}
		a.sendAck(c, ack)
		return
	}

	if _, ok := c.subscribed[data.Topic]; ok {
		delete(c.subscribed, data.Topic)
		if set, exists := a.subscribers[data.Topic]; exists {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(a.subscribers, data.Topic)
			}
		}
	}
	ack.Result = protocol.AckResult{OK: true}
	a.sendAck(c, ack)
}

func (a *Actor) handlePublish(c *Conn, data *protocol.PublishData, tIngress float64) {
	ack := protocol.AckData{
		Path:        "publish",
		ClientMsgID: data.ClientMsgID,
		RequestID:   data.RequestID,
	}

	switch {
	case !c.authenticated():
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeUnauthorized, Message: "connect first"}
		a.sendAck(c, ack)
		return
	case data.Topic == grant.Wildcard || !grant.ValidTopic(data.Topic):
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeInvalid, Message: "invalid topic"}
		a.sendAck(c, ack)
		return
	case len(data.Payload) == 0:
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeInvalid, Message: "payload required"}
		a.sendAck(c, ack)
		return
	case !c.grant.CanPublish(data.Topic):
		ack.Result = protocol.AckResult{OK: false, Code: protocol.CodeForbidden, Message: "grant does not allow publishing to this topic"}
		a.sendAck(c, ack)
		return
	}

	a.nextSeq++
	seq := a.nextSeq
	tEnqueued := a.clock.NowMillis()

	// senderId, seq, sentAt and all timings are server-owned; whatever the
	// client put in those positions was already stripped by the codec.
	body := protocol.MessageBody{
		ID:              a.ids.Next(),
		Topic:           data.Topic,
		SenderID:        c.grant.UserID,
		Seq:             seq,
		SentAt:          time.Now().UnixMilli(),
		Payload:         data.Payload,
		ClientMsgID:     data.ClientMsgID,
		ClientPublishTs: data.ClientPublishTs,
		TIngress:        &tIngress,
		TEnqueued:       &tEnqueued,
	}

	a.fanOut(c, body)

	if a.peer != nil {
		a.peer.PublishRemote(a.projectID, a.channelName, data.Topic, body)
	}

	ack.Result = protocol.AckResult{OK: true}
	ack.ServerAssignedID = body.ID
	ack.Seq = seq
	ack.TIngress = &tIngress
	a.sendAck(c, ack)

	payloadLen := len(data.Payload)
	a.sink.Record(usage.Event{
		ProjectID:     a.projectID,
		Event:         usage.EventMessage,
		PayloadLength: &payloadLen,
		Timestamp:     time.Now().UTC(),
	})

	monitoring.MessagesPublished.Inc()
	monitoring.FanoutStageDuration.WithLabelValues("ingress_to_enqueue").Observe(tEnqueued - tIngress)
}

// fanOut delivers body to every subscriber of its topic except the publisher.
// Egress timings are recorded at the handoff to each recipient's write queue;
// a recipient too slow to accept the handoff is closed, the rest continue.
func (a *Actor) fanOut(publisher *Conn, body protocol.MessageBody) {
	set := a.subscribers[body.Topic]
	if len(set) == 0 {
		return
	}

	tBegin := a.clock.NowMillis()
	body.TBroadcastBegin = &tBegin

	delivered := 0
	for id, target := range set {
		if publisher != nil && id == publisher.ID {
			continue
		}
		if target.State() >= StateClosing {
			continue
		}

		recipient := body
		tWrite := a.clock.NowMillis()
		recipient.TWsWriteEnd = &tWrite

		data, err := protocol.EncodeMessage(recipient)
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to encode broadcast")
			continue
		}
		if target.enqueue(data) {
			delivered++
		}
	}

	tEnd := a.clock.NowMillis()
	if delivered > 0 {
		monitoring.MessagesFannedOut.Add(float64(delivered))
		monitoring.FanoutStageDuration.WithLabelValues("broadcast").Observe(tEnd - tBegin)
	}
}

// handleRemote fans out a message that originated on a peer node. Local
// sequencing is untouched; ordering across nodes is best-effort.
func (a *Actor) handleRemote(body protocol.MessageBody) {
	a.fanOut(nil, body)
}

func (a *Actor) sendAck(c *Conn, ack protocol.AckData) {
	data, err := protocol.EncodeAck(ack)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode ack")
		return
	}
	c.enqueue(data)
}
