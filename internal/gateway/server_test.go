package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echorelay/relay/internal/channel"
	"github.com/echorelay/relay/internal/config"
	"github.com/echorelay/relay/internal/grant"
	"github.com/echorelay/relay/internal/grantcache"
	"github.com/echorelay/relay/internal/grantsvc"
	"github.com/echorelay/relay/internal/keystore"
	"github.com/echorelay/relay/internal/ratelimit"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:               ":0",
		LocationHint:       "default",
		MaxConnections:     100,
		MaxConnsPerChannel: 10,
		MaxFrameBytes:      64 * 1024,
		EgressBudgetBytes:  1 << 20,
		HeartbeatInterval:  time.Hour,
		ConnectGrace:       5 * time.Second,
		GrantRateLimit:     5,
		GrantRateWindow:    2 * time.Hour,
		FrameRateBurst:     100,
		FrameRate:          50,
	}
}

type testGateway struct {
	srv    *httptest.Server
	signer *grant.Signer
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 3)
	}
	signer, err := grant.NewSigner(base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)
	verifier := grant.NewVerifierFromKey(signer.PublicKey())

	keys := keystore.NewMemoryStore()
	keys.Put("sk-er-"+strings.Repeat("K", 48), keystore.Record{ProjectID: "p1", KeyID: "k1", Status: keystore.StatusActive})

	grants := grantsvc.NewService(signer, keys, grantcache.NewMemory(),
		ratelimit.NewMemory(cfg.GrantRateLimit, cfg.GrantRateWindow), cfg.GrantRateLimit, zerolog.Nop())

	registry := channel.NewRegistry(channel.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectGrace:      cfg.ConnectGrace,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		EgressBudgetBytes: cfg.EgressBudgetBytes,
		FrameRateBurst:    cfg.FrameRateBurst,
		FrameRate:         cfg.FrameRate,
		MaxConnsPerActor:  cfg.MaxConnsPerChannel,
	}, time.Hour, verifier, nil, zerolog.Nop())
	t.Cleanup(registry.Stop)

	s := NewServer(cfg, registry, grants, verifier, "test-node", zerolog.Nop())
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})

	return &testGateway{srv: srv, signer: signer}
}

func (g *testGateway) mint(t *testing.T, channelName string) string {
	t.Helper()
	now := time.Now()
	token, err := g.signer.Sign(grant.Grant{
		ProjectID: "p1",
		Channel:   channelName,
		Topics:    []grant.TopicScope{{Topic: "chat", Scope: grant.ScopeReadWrite}},
		UserID:    "alice",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	return token
}

func (g *testGateway) wsURL() string {
	return "ws://" + strings.TrimPrefix(g.srv.URL, "http://") + "/v1/pubsub"
}

func dialWith(t *testing.T, g *testGateway, header http.Header) (net.Conn, error) {
	t.Helper()
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}
	c, _, _, err := dialer.Dial(context.Background(), g.wsURL())
	return c, err
}

func TestUpgradeRequiresGrantHeader(t *testing.T) {
	g := newTestGateway(t, nil)

	_, err := dialWith(t, g, nil)
	require.Error(t, err)

	_, err = dialWith(t, g, http.Header{HeaderGrant: []string{"garbage"}})
	require.Error(t, err)
}

func TestUpgradeAndPublishRoundTrip(t *testing.T) {
	g := newTestGateway(t, nil)
	token := g.mint(t, "room")

	conn, err := dialWith(t, g, http.Header{HeaderGrant: []string{token}})
	require.NoError(t, err)
	defer conn.Close()

	connect, _ := json.Marshal(map[string]any{
		"type": "connect",
		"data": map[string]string{"grant_jwt": token},
	})
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, connect))

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText,
		[]byte(`{"type":"subscribe","data":{"topic":"chat","request_id":"r1"}}`)))

	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)

	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "ack", frame.Type)
	assert.Contains(t, string(frame.Data), `"ok":true`)
	assert.Contains(t, string(frame.Data), `"r1"`)
}

func TestUpgradeRateLimited(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) {
		c.ConnRateLimitEnabled = true
		c.ConnRateIPBurst = 1
		c.ConnRateIPRate = 0.001
		c.ConnRateGlobalBurst = 100
		c.ConnRateGlobalRate = 100
	})
	token := g.mint(t, "room")

	conn, err := dialWith(t, g, http.Header{HeaderGrant: []string{token}})
	require.NoError(t, err)
	defer conn.Close()

	_, err = dialWith(t, g, http.Header{HeaderGrant: []string{token}})
	require.Error(t, err, "second upgrade from the same IP should be rejected")
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := http.Get(g.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var health struct {
		Status      string `json:"status"`
		NodeID      string `json:"node_id"`
		Connections int    `json:"connections"`
		Channels    int    `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test-node", health.NodeID)
	assert.Equal(t, 0, health.Connections)
}

func TestGrantEndpointWired(t *testing.T) {
	g := newTestGateway(t, nil)

	body := `{"secret_key":"sk-er-` + strings.Repeat("K", 48) + `","channel":"room","topics":[{"topic":"chat","scope":"read-write"}],"userId":"alice"}`
	resp, err := http.Post(g.srv.URL+"/v1/grant-channel", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get(grantsvc.HeaderGrantCache))

	var out struct {
		GrantJWT string `json:"grant_jwt"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.GrantJWT)
}

func TestMetricsEndpointWired(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := http.Get(g.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
