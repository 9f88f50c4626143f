package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/echorelay/relay/internal/monitoring"
)

// ShipperConfig tunes batching and delivery.
type ShipperConfig struct {
	URL    string // usage endpoint base, POSTs go to {URL}/usage
	Secret string // shared HMAC secret

	BatchSize   int           // flush when this many events are buffered
	FlushAge    time.Duration // flush when the oldest buffered event is this old
	BufferSize  int           // intake channel capacity; overflow drops
	MaxRetries  int           // delivery attempts per batch
	HTTPTimeout time.Duration // per-request deadline
	Workers     int           // concurrent delivery workers
}

func (c *ShipperConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushAge <= 0 {
		c.FlushAge = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Shipper buffers events and delivers them in signed batches. A single
// collector goroutine owns the pending batch; a small worker pool performs
// the HTTP deliveries so a slow receiver delays shipping, not metering.
type Shipper struct {
	config ShipperConfig
	logger zerolog.Logger
	client *http.Client

	intake  chan Event
	batches chan []Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewShipper(config ShipperConfig, logger zerolog.Logger) *Shipper {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Shipper{
		config:  config,
		logger:  logger.With().Str("component", "usage_shipper").Logger(),
		client:  &http.Client{Timeout: config.HTTPTimeout},
		intake:  make(chan Event, config.BufferSize),
		batches: make(chan []Event, config.Workers*4),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Record implements Sink. Never blocks: if the intake buffer is full the
// event is dropped and counted.
func (s *Shipper) Record(event Event) {
	select {
	case s.intake <- event:
		monitoring.UsageEventsBuffered.Inc()
	default:
		monitoring.UsageEventsDropped.WithLabelValues("buffer_full").Inc()
	}
}

// Start launches the collector and delivery workers.
func (s *Shipper) Start() {
	s.wg.Add(1)
	go s.collect()

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.deliverLoop(i)
	}

	s.logger.Info().
		Str("url", s.config.URL).
		Int("batch_size", s.config.BatchSize).
		Dur("flush_age", s.config.FlushAge).
		Int("workers", s.config.Workers).
		Msg("Usage shipper started")
}

// Stop flushes buffered events and waits for in-flight deliveries.
func (s *Shipper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Usage shipper stopped")
}

// collect drains intake into batches, flushing on size, age, or shutdown.
func (s *Shipper) collect() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "usage_collect", nil)

	ticker := time.NewTicker(s.config.FlushAge / 2)
	defer ticker.Stop()

	var pending []Event
	var oldest time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		select {
		case s.batches <- batch:
		default:
			// Delivery backlog full; shedding here beats unbounded memory.
			monitoring.UsageEventsDropped.WithLabelValues("delivery_failed").Add(float64(len(batch)))
			s.logger.Warn().Int("events", len(batch)).Msg("Usage delivery backlog full, dropping batch")
		}
	}

	for {
		select {
		case event := <-s.intake:
			if len(pending) == 0 {
				oldest = time.Now()
			}
			pending = append(pending, event)
			if len(pending) >= s.config.BatchSize {
				flush()
			}

		case <-ticker.C:
			if len(pending) > 0 && time.Since(oldest) >= s.config.FlushAge {
				flush()
			}

		case <-s.ctx.Done():
			// Shutdown: drain whatever is still queued, then final flush.
			for {
				select {
				case event := <-s.intake:
					pending = append(pending, event)
				default:
					flush()
					close(s.batches)
					return
				}
			}
		}
	}
}

func (s *Shipper) deliverLoop(id int) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "usage_deliver", map[string]any{"worker": id})

	for batch := range s.batches {
		s.deliver(batch)
	}
}

// deliver posts one batch with retry. Exponential backoff with jitter, capped
// attempts, then drop.
func (s *Shipper) deliver(batch []Event) {
	body, err := json.Marshal(batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize usage batch")
		monitoring.UsageEventsDropped.WithLabelValues("delivery_failed").Add(float64(len(batch)))
		return
	}

	signature := Sign(body, []byte(s.config.Secret))
	backoff := 250 * time.Millisecond

	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		err = s.post(body, signature)
		if err == nil {
			monitoring.UsageFlushes.WithLabelValues("ok").Inc()
			return
		}

		monitoring.UsageFlushes.WithLabelValues("retry").Inc()
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("events", len(batch)).
			Msg("Usage webhook delivery failed")

		if attempt == s.config.MaxRetries {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-time.After(backoff + jitter):
		case <-s.ctx.Done():
			// Shutdown mid-retry: one last immediate attempt below.
		}
		backoff *= 2
	}

	monitoring.UsageFlushes.WithLabelValues("failed").Inc()
	monitoring.UsageEventsDropped.WithLabelValues("delivery_failed").Add(float64(len(batch)))
	s.logger.Error().
		Err(err).
		Int("events", len(batch)).
		Msg("Usage batch dropped after retry cap")
}

func (s *Shipper) post(body []byte, signature string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL+"/usage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("usage receiver returned %d", resp.StatusCode)
	}
	return nil
}
