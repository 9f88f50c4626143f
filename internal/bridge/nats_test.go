package bridge

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echorelay/relay/internal/protocol"
)

type fakeInjector struct {
	calls []envelope
}

func (f *fakeInjector) InjectRemote(projectID, channelName string, body protocol.MessageBody) bool {
	f.calls = append(f.calls, envelope{ProjectID: projectID, Channel: channelName, Body: body})
	return true
}

func peerMsg(t *testing.T, env envelope) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return &nats.Msg{Subject: "relay.p1.room.chat", Data: data}
}

func TestHandleInjectsPeerMessages(t *testing.T) {
	b := &Bridge{nodeID: "node-a", logger: zerolog.Nop()}
	inj := &fakeInjector{}

	body := protocol.MessageBody{ID: "01X", Topic: "chat", Seq: 9}
	b.handle(peerMsg(t, envelope{Origin: "node-b", ProjectID: "p1", Channel: "room", Body: body}), inj)

	require.Len(t, inj.calls, 1)
	assert.Equal(t, "p1", inj.calls[0].ProjectID)
	assert.Equal(t, "room", inj.calls[0].Channel)
	assert.Equal(t, uint64(9), inj.calls[0].Body.Seq)
}

func TestHandleSkipsOwnOrigin(t *testing.T) {
	b := &Bridge{nodeID: "node-a", logger: zerolog.Nop()}
	inj := &fakeInjector{}

	b.handle(peerMsg(t, envelope{Origin: "node-a", ProjectID: "p1", Channel: "room"}), inj)
	assert.Empty(t, inj.calls)
}

func TestHandleDropsMalformed(t *testing.T) {
	b := &Bridge{nodeID: "node-a", logger: zerolog.Nop()}
	inj := &fakeInjector{}

	b.handle(&nats.Msg{Subject: "relay.x", Data: []byte("junk")}, inj)
	assert.Empty(t, inj.calls)
}

func TestPublishRemoteRejectsReservedCharacters(t *testing.T) {
	// No connection needed: subject validation rejects before publish.
	b := &Bridge{nodeID: "node-a", logger: zerolog.Nop()}
	b.PublishRemote("bad.project", "room", "chat", protocol.MessageBody{})
	b.PublishRemote("p1", "room>", "chat", protocol.MessageBody{})
}
