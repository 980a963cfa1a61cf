package channel

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"
)

const backoffShardCount = 16

type RetryPolicy struct {
	ShouldRetry   bool
	NextDelay     time.Duration
	TotalFailures int
}

type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterRatio  float64
	MaxRetries   int
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Minute
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.JitterRatio < 0 {
		c.JitterRatio = 0
	}
	if c.JitterRatio > 1 {
		c.JitterRatio = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

type backoffEntry struct {
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
}

type backoffShard struct {
	mu      sync.Mutex
	entries map[string]*backoffEntry
}

// BackoffEngine tracks per-entity retry state. Entities from different
// concerns share one engine under distinct key namespaces (for example
// "tenant:t1" and "cred:t1"). State is in-memory only and resets to
// "no backoff" on process restart.
type BackoffEngine struct {
	cfg    BackoffConfig
	shards [backoffShardCount]backoffShard
	now    func() time.Time
	sample func() float64
}

func NewBackoffEngine(cfg BackoffConfig) *BackoffEngine {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	engine := &BackoffEngine{
		cfg: cfg.withDefaults(),
		now: time.Now,
		sample: func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		},
	}
	for i := range engine.shards {
		engine.shards[i].entries = map[string]*backoffEntry{}
	}
	return engine
}

func (e *BackoffEngine) MaxRetries() int {
	return e.cfg.MaxRetries
}

func (e *BackoffEngine) shard(key string) *backoffShard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return &e.shards[hasher.Sum32()%backoffShardCount]
}

// NextDelay returns the delay that would apply after one more failure for
// the entity's current streak.
func (e *BackoffEngine) NextDelay(key string) time.Duration {
	shard := e.shard(key)
	shard.mu.Lock()
	failures := 0
	if entry, ok := shard.entries[key]; ok {
		failures = entry.failures
	}
	shard.mu.Unlock()
	return e.delayForStreak(failures + 1)
}

func (e *BackoffEngine) RecordFailure(key string) RetryPolicy {
	now := e.now()
	shard := e.shard(key)
	shard.mu.Lock()
	entry, ok := shard.entries[key]
	if !ok {
		entry = &backoffEntry{}
		shard.entries[key] = entry
	}
	entry.failures++
	delay := e.delayForStreak(entry.failures)
	entry.lastFailure = now
	entry.nextAttempt = now.Add(delay)
	failures := entry.failures
	shard.mu.Unlock()
	return RetryPolicy{
		ShouldRetry:   failures < e.cfg.MaxRetries,
		NextDelay:     delay,
		TotalFailures: failures,
	}
}

func (e *BackoffEngine) Reset(key string) {
	shard := e.shard(key)
	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()
}

// InBackoff reports whether the entity's most recent failure delay window
// has not yet elapsed.
func (e *BackoffEngine) InBackoff(key string) bool {
	now := e.now()
	shard := e.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[key]
	if !ok {
		return false
	}
	return now.Before(entry.nextAttempt)
}

func (e *BackoffEngine) Failures(key string) int {
	shard := e.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[key]
	if !ok {
		return 0
	}
	return entry.failures
}

// delayForStreak computes the base exponential delay for the nth
// consecutive failure (1-based), capped at MaxDelay, with jitter applied.
// The base is monotone in n; jitter may scale it by at most ±JitterRatio.
func (e *BackoffEngine) delayForStreak(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(e.cfg.InitialDelay)
	limit := float64(e.cfg.MaxDelay)
	for i := 1; i < n; i++ {
		delay *= e.cfg.Multiplier
		if delay >= limit {
			delay = limit
			break
		}
	}
	if e.cfg.JitterRatio > 0 {
		factor := 1 + ((e.sample()*2)-1)*e.cfg.JitterRatio
		if factor < 0 {
			factor = 0
		}
		delay *= factor
		if delay > limit {
			delay = limit
		}
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
