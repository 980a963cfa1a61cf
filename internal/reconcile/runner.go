package reconcile

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/broadline/channelsync/internal/channel"
)

// TaskSpec declares one periodic scheduler task: a name, a base interval
// with a jitter ratio applied every tick, and a per-cycle timeout.
type TaskSpec struct {
	Name     string
	Interval time.Duration
	Jitter   float64
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type TaskStatus struct {
	Name         string     `json:"name"`
	IsRunning    bool       `json:"isRunning"`
	LastRunTime  *time.Time `json:"lastRunTime,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	RunCount     int        `json:"runCount"`
	FailureCount int        `json:"failureCount"`
}

type taskState struct {
	spec         TaskSpec
	isRunning    bool
	lastRunTime  *time.Time
	lastError    string
	runCount     int
	failureCount int
}

// Runner owns the periodic scheduler tasks. Each task runs on its own
// jittered timer and never overlaps itself: a tick fires only after the
// previous cycle of that task has finished.
type Runner struct {
	mu     sync.Mutex
	tasks  []*taskState
	logger channel.Logger
	wg     sync.WaitGroup
	rng    *rand.Rand
	rngMu  sync.Mutex
}

func NewRunner(logger channel.Logger) *Runner {
	return &Runner{
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Runner) Add(spec TaskSpec) {
	if spec.Run == nil {
		return
	}
	if spec.Interval <= 0 {
		spec.Interval = time.Minute
	}
	spec.Jitter = clampJitterRatio(spec.Jitter)
	if spec.Timeout <= 0 {
		spec.Timeout = spec.Interval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, &taskState{spec: spec})
}

// Start launches one goroutine per task. It returns immediately; call
// Wait to block until ctx is cancelled and every task loop has exited.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	tasks := make([]*taskState, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()
	for _, task := range tasks {
		r.wg.Add(1)
		go func(task *taskState) {
			defer r.wg.Done()
			r.loop(ctx, task)
		}(task)
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, task *taskState) {
	timer := time.NewTimer(jitteredIntervalWithSample(task.spec.Interval, task.spec.Jitter, r.sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runCycle(ctx, task)
			timer.Reset(jitteredIntervalWithSample(task.spec.Interval, task.spec.Jitter, r.sample()))
		}
	}
}

func (r *Runner) runCycle(ctx context.Context, task *taskState) {
	r.mu.Lock()
	task.isRunning = true
	r.mu.Unlock()

	cycleCtx, cancel := context.WithTimeout(ctx, task.spec.Timeout)
	err := task.spec.Run(cycleCtx)
	cancel()

	now := time.Now().UTC()
	r.mu.Lock()
	task.isRunning = false
	task.lastRunTime = &now
	task.runCount++
	if err != nil {
		task.failureCount++
		task.lastError = err.Error()
	} else {
		task.lastError = ""
	}
	r.mu.Unlock()

	if err != nil && r.logger != nil {
		r.logger.Printf("task %s failed: %v", task.spec.Name, err)
	}
}

// Statuses reports a point-in-time snapshot of every task, sorted by
// name.
func (r *Runner) Statuses() []TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskStatus, 0, len(r.tasks))
	for _, task := range r.tasks {
		status := TaskStatus{
			Name:         task.spec.Name,
			IsRunning:    task.isRunning,
			LastError:    task.lastError,
			RunCount:     task.runCount,
			FailureCount: task.failureCount,
		}
		if task.lastRunTime != nil {
			lastRun := *task.lastRunTime
			status.LastRunTime = &lastRun
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runner) sample() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	offset := ((sample * 2) - 1) * jitterRatio
	scaled := float64(base) * (1 + offset)
	if scaled < 0 {
		scaled = 0
	}
	return time.Duration(scaled)
}
