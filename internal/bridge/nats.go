// Package bridge republishes locally accepted messages to peer relay nodes
// over NATS and injects peer messages into local channel actors. Delivery is
// best-effort; cross-node ordering is not guaranteed.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/echorelay/relay/internal/monitoring"
	"github.com/echorelay/relay/internal/protocol"
)

// subjectPrefix namespaces relay traffic: relay.<project>.<channel>.<topic>.
const subjectPrefix = "relay"

// Injector routes a peer-originated message into local channel actors.
// Satisfied by channel.Registry.
type Injector interface {
	InjectRemote(projectID, channelName string, body protocol.MessageBody) bool
}

// envelope is the wire shape on the bus. Origin lets nodes skip their own
// traffic.
type envelope struct {
	Origin    string               `json:"origin"`
	ProjectID string               `json:"project_id"`
	Channel   string               `json:"channel"`
	Body      protocol.MessageBody `json:"body"`
}

// Bridge is one node's connection to the peer bus.
type Bridge struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	nodeID string
	logger zerolog.Logger
}

// Connect dials NATS and subscribes to all relay subjects, injecting peer
// messages through inj.
func Connect(url, nodeID string, inj Injector, logger zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		nodeID: nodeID,
		logger: logger.With().Str("component", "peer_bridge").Str("node_id", nodeID).Logger(),
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("Peer bus disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("Peer bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer bus: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(subjectPrefix+".>", func(msg *nats.Msg) {
		b.handle(msg, inj)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to peer bus: %w", err)
	}
	b.sub = sub

	b.logger.Info().Str("url", url).Msg("Peer bridge connected")
	return b, nil
}

// PublishRemote implements channel.PeerPublisher. Topic names cannot contain
// subject-reserved characters, but channel names may contain "."; messages
// for such channels are dropped rather than corrupting the subject
// hierarchy.
func (b *Bridge) PublishRemote(projectID, channelName, topic string, body protocol.MessageBody) {
	if strings.ContainsAny(projectID, ".*>") || strings.ContainsAny(channelName, ".*>") {
		monitoring.BridgeMessages.WithLabelValues("dropped").Inc()
		return
	}

	data, err := json.Marshal(envelope{
		Origin:    b.nodeID,
		ProjectID: projectID,
		Channel:   channelName,
		Body:      body,
	})
	if err != nil {
		monitoring.BridgeMessages.WithLabelValues("dropped").Inc()
		return
	}

	subject := fmt.Sprintf("%s.%s.%s.%s", subjectPrefix, projectID, channelName, topic)
	if err := b.conn.Publish(subject, data); err != nil {
		monitoring.BridgeMessages.WithLabelValues("dropped").Inc()
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Peer publish failed")
		return
	}
	monitoring.BridgeMessages.WithLabelValues("published").Inc()
}

func (b *Bridge) handle(msg *nats.Msg, inj Injector) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		monitoring.BridgeMessages.WithLabelValues("dropped").Inc()
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed peer message")
		return
	}

	// Our own traffic comes back on the wildcard subscription; skip it.
	if env.Origin == b.nodeID {
		return
	}

	monitoring.BridgeMessages.WithLabelValues("received").Inc()
	inj.InjectRemote(env.ProjectID, env.Channel, env.Body)
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
		b.logger.Info().Msg("Peer bridge closed")
	}
}
