package preload

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/resilio/internal/cache"
	"github.com/vietddude/resilio/internal/metrics"
)

// Fetcher loads one logical resource from the remote API. The logical key
// parameterizes resources like calendar months.
type Fetcher func(ctx context.Context, logical string) (any, error)

// Registry resolves a namespace to its injected fetcher.
type Registry interface {
	Fetcher(namespace string) (Fetcher, bool)
}

// Task is one unit of preload work. Discarded once its result is cached.
type Task struct {
	ID        string
	Priority  int // lower = more urgent
	Namespace string
	Logical   string
	TTL       time.Duration // 0 = scheduler default
	// Dependencies are task IDs that must complete before this task runs.
	Dependencies []string
	Execute      func(ctx context.Context) (any, error)
}

// Config holds scheduler settings.
type Config struct {
	// MaxConcurrent bounds in-flight tasks. Default: 3.
	MaxConcurrent int `yaml:"max_concurrent"`

	// DefaultTTL applies to cached preload results. Default: 10 minutes.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// RequeueDelay is the wait before re-checking tasks whose dependencies
	// have not completed yet. Default: 50ms.
	RequeueDelay time.Duration `yaml:"requeue_delay"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		DefaultTTL:    10 * time.Minute,
		RequeueDelay:  50 * time.Millisecond,
	}
}

// Stats is a point-in-time scheduler snapshot.
type Stats struct {
	Completed   int `json:"completed"`
	Running     int `json:"running"`
	QueueLength int `json:"queue_length"`
}

// Scheduler runs preload tasks in priority order under a concurrency ceiling
// and writes their results into the cache so the data is warm before the user
// asks for it.
type Scheduler struct {
	cfg   Config
	store *cache.Store
	reg   Registry
	log   *slog.Logger

	mu        sync.Mutex
	running   map[string]struct{}
	completed map[string]struct{}
	queueLen  int
}

// NewScheduler creates a scheduler writing into the given cache store.
func NewScheduler(cfg Config, store *cache.Store, reg Registry) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 10 * time.Minute
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 50 * time.Millisecond
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		reg:       reg,
		log:       slog.Default().With("component", "preload"),
		running:   make(map[string]struct{}),
		completed: make(map[string]struct{}),
	}
}

// ExecuteTasks runs the batch. Tasks start in ascending priority order; as a
// slot frees, the next eligible task starts. A task whose dependencies have
// not completed is deferred, not run out of order. Returns once every task
// has settled.
func (s *Scheduler) ExecuteTasks(ctx context.Context, tasks []Task) {
	queue := make([]Task, len(tasks))
	copy(queue, tasks)
	for i := range queue {
		if queue[i].ID == "" {
			queue[i].ID = uuid.New().String()
		}
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Priority < queue[j].Priority })

	s.setQueueLen(len(queue))
	defer s.setQueueLen(0)

	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		idx := s.nextEligible(queue)
		if idx < 0 {
			if s.runningCount() == 0 {
				// Nothing in flight can unblock these dependencies.
				for _, t := range queue {
					s.log.Warn("Skipping task with unsatisfiable dependencies",
						"task", t.ID, "deps", t.Dependencies)
					metrics.PreloadTasksCompleted.WithLabelValues("skipped_deps").Inc()
				}
				break
			}
			time.Sleep(s.cfg.RequeueDelay)
			continue
		}

		task := queue[idx]
		queue = append(queue[:idx], queue[idx+1:]...)
		s.setQueueLen(len(queue))

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		// Register before spawning so dependents never observe an empty
		// running set between dispatch and start.
		s.mu.Lock()
		s.running[task.ID] = struct{}{}
		s.mu.Unlock()
		metrics.PreloadRunning.Inc()

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runTask(ctx, t)
		}(task)
	}

	wg.Wait()
}

// nextEligible returns the index of the highest-priority task whose
// dependencies have all completed, or -1.
func (s *Scheduler) nextEligible(queue []Task) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range queue {
		ok := true
		for _, dep := range t.Dependencies {
			if _, done := s.completed[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

// runTask executes one dispatched task. The caller has already marked it
// running.
func (s *Scheduler) runTask(ctx context.Context, t Task) {
	defer func() {
		s.mu.Lock()
		delete(s.running, t.ID)
		s.mu.Unlock()
		metrics.PreloadRunning.Dec()
	}()

	// Already warm: nothing to do.
	if s.store.Has(ctx, t.Namespace, t.Logical) {
		s.finish(t.ID, "skipped_warm")
		return
	}

	result, err := t.Execute(ctx)
	if err != nil {
		s.log.Warn("Preload task failed", "task", t.ID,
			"namespace", t.Namespace, "logical", t.Logical, "error", err)
		metrics.PreloadTasksCompleted.WithLabelValues("failed").Inc()
		return
	}

	ttl := t.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if err := s.store.Set(ctx, t.Namespace, t.Logical, result, ttl); err != nil {
		s.log.Warn("Failed to cache preload result", "task", t.ID, "error", err)
		metrics.PreloadTasksCompleted.WithLabelValues("failed").Inc()
		return
	}

	s.finish(t.ID, "completed")
}

func (s *Scheduler) finish(id, outcome string) {
	s.mu.Lock()
	s.completed[id] = struct{}{}
	s.mu.Unlock()
	metrics.PreloadTasksCompleted.WithLabelValues(outcome).Inc()
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) setQueueLen(n int) {
	s.mu.Lock()
	s.queueLen = n
	s.mu.Unlock()
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Completed:   len(s.completed),
		Running:     len(s.running),
		QueueLength: s.queueLen,
	}
}
