package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/site-telemetry/internal/observability"
)

const (
	metricQueueDepth   = "telemetry_queue_depth"
	metricTasksDropped = "telemetry_tasks_dropped_total"
	metricTaskFailures = "telemetry_task_failures_total"
)

// ErrPoolClosed is reported for tasks submitted after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of background work. Tasks sharing a Key run in submission order.
type Task struct {
	Key string
	Op  string
	Run func(ctx context.Context) error
}

// ErrorHandler receives failed tasks.
type ErrorHandler func(task Task, err error)

// Config tunes a Pool.
type Config struct {
	Shards      int
	QueueSize   int
	TaskTimeout time.Duration
	OnError     ErrorHandler
}

// Pool runs tasks on a fixed set of shards, each a bounded queue drained by one goroutine.
// Submit never blocks: when a shard queue is full the new task is dropped.
type Pool struct {
	shards  []chan Task
	timeout time.Duration
	onError ErrorHandler
	logger  *zap.Logger

	depth    *observability.Gauge
	dropped  *observability.Counter
	failures *observability.Counter

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts the shard goroutines.
func NewPool(cfg Config, reg *observability.Registry, logger *zap.Logger) (*Pool, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	err := errors.Join(
		reg.Register(observability.Desc{Name: metricQueueDepth, Help: "Telemetry tasks waiting in the background queue.", Kind: observability.KindGauge}),
		reg.Register(observability.Desc{Name: metricTasksDropped, Help: "Telemetry tasks dropped because the queue was full or closed.", Kind: observability.KindCounter, Labels: []string{"op"}}),
		reg.Register(observability.Desc{Name: metricTaskFailures, Help: "Telemetry tasks that returned an error.", Kind: observability.KindCounter, Labels: []string{"op"}}),
	)
	if err != nil {
		return nil, err
	}
	depth, _ := reg.Gauge(metricQueueDepth)
	dropped, _ := reg.Counter(metricTasksDropped)
	failures, _ := reg.Counter(metricTaskFailures)

	p := &Pool{
		shards:   make([]chan Task, cfg.Shards),
		timeout:  cfg.TaskTimeout,
		onError:  cfg.OnError,
		logger:   logger,
		depth:    depth,
		dropped:  dropped,
		failures: failures,
	}
	for i := range p.shards {
		p.shards[i] = make(chan Task, cfg.QueueSize)
		p.wg.Add(1)
		go p.drain(p.shards[i])
	}
	return p, nil
}

// Submit enqueues a task without blocking. It reports whether the task was accepted.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(task, ErrPoolClosed)
		return false
	}

	select {
	case p.shards[p.shardFor(task.Key)] <- task:
		p.depth.Inc()
		return true
	default:
		p.drop(task, nil)
		return false
	}
}

func (p *Pool) drop(task Task, reason error) {
	p.dropped.Inc(task.Op)
	fields := []zap.Field{zap.String("op", task.Op), zap.String("correlation_id", task.Key)}
	if reason != nil {
		fields = append(fields, zap.Error(reason))
	}
	p.logger.Warn("telemetry task dropped", fields...)
}

func (p *Pool) shardFor(key string) int {
	if len(p.shards) == 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(len(p.shards)))
}

func (p *Pool) drain(queue <-chan Task) {
	defer p.wg.Done()
	for task := range queue {
		p.depth.Dec()
		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.failures.Inc(task.Op)
			p.logger.Error("telemetry task panicked", zap.String("op", task.Op), zap.String("correlation_id", task.Key), zap.Any("panic", r))
		}
	}()

	if err := task.Run(ctx); err != nil {
		p.failures.Inc(task.Op)
		if p.onError != nil {
			p.onError(task, err)
		}
	}
}

// Close stops intake and waits for queued tasks to drain or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, queue := range p.shards {
		close(queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
