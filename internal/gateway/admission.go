package gateway

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// UpgradeLimiter rate limits connection upgrades with two token buckets: one
// per source IP and one global, so neither a single client nor a distributed
// burst can flood the accept path.
type UpgradeLimiter struct {
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	mu         sync.Mutex
	ipLimiters map[string]*ipEntry

	global *rate.Limiter

	done     chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type UpgradeLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func NewUpgradeLimiter(config UpgradeLimiterConfig) *UpgradeLimiter {
	if config.IPBurst <= 0 {
		config.IPBurst = 10
	}
	if config.IPRate <= 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL <= 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate <= 0 {
		config.GlobalRate = 50.0
	}

	l := &UpgradeLimiter{
		ipBurst:    config.IPBurst,
		ipRate:     config.IPRate,
		ipTTL:      config.IPTTL,
		ipLimiters: make(map[string]*ipEntry),
		global:     rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		done:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an upgrade from ip may proceed. Global bucket first,
// then per-IP.
func (l *UpgradeLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.forIP(ip).Allow()
}

func (l *UpgradeLimiter) forIP(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (l *UpgradeLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-l.ipTTL)
			for ip, entry := range l.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(l.ipLimiters, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *UpgradeLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// ResourceGuard rejects upgrades when the node is out of headroom: hard
// connection cap, CPU above the reject threshold, or too many goroutines. CPU
// is sampled periodically rather than per request.
type ResourceGuard struct {
	maxConnections     int
	maxGoroutines      int
	cpuRejectThreshold float64

	connCount func() int
	logger    zerolog.Logger

	mu         sync.RWMutex
	currentCPU float64
}

func NewResourceGuard(maxConnections, maxGoroutines int, cpuRejectThreshold float64, connCount func() int, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{
		maxConnections:     maxConnections,
		maxGoroutines:      maxGoroutines,
		cpuRejectThreshold: cpuRejectThreshold,
		connCount:          connCount,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
	}
}

// ShouldAccept checks every headroom dimension. reason names the exhausted
// one on rejection.
func (g *ResourceGuard) ShouldAccept() (accept bool, reason string) {
	if conns := g.connCount(); conns >= g.maxConnections {
		return false, fmt.Sprintf("at max connections (%d)", g.maxConnections)
	}

	g.mu.RLock()
	currentCPU := g.currentCPU
	g.mu.RUnlock()
	if g.cpuRejectThreshold > 0 && currentCPU > g.cpuRejectThreshold {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, g.cpuRejectThreshold)
	}

	if g.maxGoroutines > 0 && runtime.NumGoroutine() > g.maxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d)", g.maxGoroutines)
	}

	return true, "OK"
}

// CPUPercent returns the last sampled CPU usage.
func (g *ResourceGuard) CPUPercent() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.currentCPU
}

// StartMonitoring samples CPU usage on the given interval until ctx is done.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percents, err := cpu.Percent(0, false)
				if err != nil || len(percents) == 0 {
					g.logger.Warn().Err(err).Msg("CPU sample failed")
					continue
				}
				g.mu.Lock()
				g.currentCPU = percents[0]
				g.mu.Unlock()
			}
		}
	}()
}
