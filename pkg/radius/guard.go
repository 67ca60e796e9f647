package radius

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig configures the unauthorized-source guard.
type GuardConfig struct {
	// Threshold is the number of rejected datagrams per Window a source may
	// send before it is reported as possible spoofing.
	Threshold int
	Window    time.Duration

	// MaxSources bounds the number of tracked sources.
	MaxSources int
}

// DefaultGuardConfig returns the default guard configuration.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Threshold:  20,
		Window:     time.Minute,
		MaxSources: 4096,
	}
}

type sourceLimiter struct {
	warn     *rate.Limiter
	alert    *rate.Limiter
	lastSeen time.Time
}

// Guard rate-limits the logging of rejected datagrams per source. Up to
// Threshold rejections per window are logged at warn level. Beyond that a
// single error-level spoofing alert is logged per window.
type Guard struct {
	cfg    GuardConfig
	logger *zap.Logger

	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

// NewGuard creates a guard.
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	d := DefaultGuardConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = d.MaxSources
	}
	return &Guard{
		cfg:     cfg,
		logger:  logger,
		sources: make(map[string]*sourceLimiter),
	}
}

// Reject records a rejected datagram from src and logs it if allowed.
// It reports whether the source is over the spoofing threshold.
func (g *Guard) Reject(src string, err error) bool {
	now := time.Now()
	l := g.limiter(src, now)

	if l.warn.AllowN(now, 1) {
		g.logger.Warn("Rejected datagram from unauthorized source",
			zap.String("src", src),
			zap.Error(err),
		)
		return false
	}
	if l.alert.AllowN(now, 1) {
		g.logger.Error("Possible spoofing: repeated unauthorized datagrams",
			zap.String("src", src),
			zap.Int("threshold", g.cfg.Threshold),
			zap.Duration("window", g.cfg.Window),
		)
	}
	return true
}

// Sources returns the number of tracked sources.
func (g *Guard) Sources() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sources)
}

func (g *Guard) limiter(src string, now time.Time) *sourceLimiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.sources[src]; ok {
		l.lastSeen = now
		return l
	}
	if len(g.sources) >= g.cfg.MaxSources {
		g.prune(now)
	}
	l := &sourceLimiter{
		warn:     rate.NewLimiter(rate.Every(g.cfg.Window/time.Duration(g.cfg.Threshold)), g.cfg.Threshold),
		alert:    rate.NewLimiter(rate.Every(g.cfg.Window), 1),
		lastSeen: now,
	}
	g.sources[src] = l
	return l
}

// prune drops sources idle for more than a window, or everything if none
// are idle.
func (g *Guard) prune(now time.Time) {
	for src, l := range g.sources {
		if now.Sub(l.lastSeen) > g.cfg.Window {
			delete(g.sources, src)
		}
	}
	if len(g.sources) >= g.cfg.MaxSources {
		clear(g.sources)
	}
}
