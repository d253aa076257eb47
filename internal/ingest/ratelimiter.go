package ingest

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1000,
		WindowSize:    time.Minute,
		BurstSize:     100,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/metrics", "/metrics/prometheus"},
	}
}

// RateLimiter is a sliding-window limiter with per-IP tracking.
type RateLimiter struct {
	cfg         RateLimitConfig
	exemptPaths map[string]bool

	mu      sync.RWMutex
	clients map[string]*clientState

	stopCleanup chan struct{}
}

type clientState struct {
	mu        sync.Mutex
	count     int64
	windowEnd time.Time
}

// NewRateLimiter creates a rate limiter with a background cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		exemptPaths: exempt,
		clients:     make(map[string]*clientState),
		stopCleanup: make(chan struct{}),
	}

	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow reports whether a request from ip fits the window, with the
// remaining budget and window reset time.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	client, ok := rl.clients[ip]
	if !ok {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.cfg.WindowSize)
	}

	limit := int64(rl.cfg.RequestsPerIP + rl.cfg.BurstSize)
	if client.count >= limit {
		return false, 0, client.windowEnd
	}

	client.count++
	remaining := limit - client.count
	return true, int(remaining), client.windowEnd
}

// IsExempt reports whether a path bypasses rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.cfg.WindowSize * 2)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		client.mu.Lock()
		if client.windowEnd.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
		client.mu.Unlock()
	}

	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop stops the cleanup loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}
