package channel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/echorelay/relay/internal/grant"
	"github.com/echorelay/relay/internal/monitoring"
	"github.com/echorelay/relay/internal/protocol"
	"github.com/echorelay/relay/internal/usage"
)

type actorKey struct {
	projectID string
	channel   string
	location  string
}

// Registry lazily creates channel actors and evicts them after an idle period
// with zero connections.
type Registry struct {
	opts     Options
	idleTTL  time.Duration
	verifier *grant.Verifier
	sink     usage.Sink
	peer     PeerPublisher
	logger   zerolog.Logger

	mu     sync.RWMutex
	actors map[actorKey]*Actor

	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry builds a registry and starts its eviction janitor.
func NewRegistry(opts Options, idleTTL time.Duration, verifier *grant.Verifier, sink usage.Sink, logger zerolog.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	if sink == nil {
		sink = usage.NopSink{}
	}
	r := &Registry{
		opts:     opts.normalize(),
		idleTTL:  idleTTL,
		verifier: verifier,
		sink:     sink,
		logger:   logger.With().Str("component", "channel_registry").Logger(),
		actors:   make(map[actorKey]*Actor),
		done:     make(chan struct{}),
	}
	go r.janitor()
	return r
}

// SetPeer wires the optional peer bridge. Must be called before the first
// actor is created.
func (r *Registry) SetPeer(peer PeerPublisher) {
	r.peer = peer
}

// Get returns the actor for (projectID, channel, location), creating it on
// first use.
func (r *Registry) Get(projectID, channelName, location string) *Actor {
	key := actorKey{projectID: projectID, channel: channelName, location: location}

	r.mu.RLock()
	a, ok := r.actors[key]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok = r.actors[key]; ok {
		return a
	}

	a = NewActor(projectID, channelName, location, r.opts, r.verifier, r.sink, r.peer, r.logger)
	r.actors[key] = a
	monitoring.ChannelsActive.Set(float64(len(r.actors)))
	r.logger.Info().
		Str("project_id", projectID).
		Str("channel", channelName).
		Str("location", location).
		Msg("Channel actor created")
	return a
}

// Lookup returns an existing actor without creating one.
func (r *Registry) Lookup(projectID, channelName, location string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[actorKey{projectID: projectID, channel: channelName, location: location}]
	return a, ok
}

// InjectRemote routes a peer-originated message into the local actor for its
// channel, if one exists. Messages for channels with no local subscribers are
// dropped.
func (r *Registry) InjectRemote(projectID, channelName string, body protocol.MessageBody) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	injected := false
	for key, a := range r.actors {
		if key.projectID == projectID && key.channel == channelName {
			a.InjectRemote(body)
			injected = true
		}
	}
	return injected
}

// ActorCount returns the number of live actors.
func (r *Registry) ActorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// ConnCount sums live connections across all actors.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, a := range r.actors {
		total += a.ConnCount()
	}
	return total
}

// Stop shuts down the janitor and every actor.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		defer r.mu.Unlock()
		for key, a := range r.actors {
			a.Stop()
			delete(r.actors, key)
		}
		monitoring.ChannelsActive.Set(0)
	})
}

func (r *Registry) janitor() {
	interval := r.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, a := range r.actors {
		idle := a.IdleSince()
		if idle.IsZero() || now.Sub(idle) < r.idleTTL {
			continue
		}
		a.Stop()
		delete(r.actors, key)
		monitoring.ChannelsEvicted.Inc()
		r.logger.Info().
			Str("project_id", key.projectID).
			Str("channel", key.channel).
			Msg("Idle channel actor evicted")
	}
	monitoring.ChannelsActive.Set(float64(len(r.actors)))
}
