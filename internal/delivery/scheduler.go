package delivery

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

var ErrSchedulerStopped = errors.New("scheduler stopped")

// Processor runs one try of a task.
type Processor interface {
	Process(ctx context.Context, t Task) (Outcome, error)
}

type scheduled struct {
	task  Task
	due   time.Time
	seq   uint64
	index int
}

// taskHeap orders tasks by due time, then by enqueue order.
type taskHeap []*scheduled

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*scheduled)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler is the in-process Queue. Due tasks are handed to a bounded worker
// pool; a task lives either in the heap or in exactly one worker, so tries of
// one delivery never overlap.
type Scheduler struct {
	proc    Processor
	workers int
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	items   taskHeap
	seq     uint64
	closed  bool
	running bool
	stop    context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

func NewScheduler(proc Processor, workers int, logger *logging.Logger) *Scheduler {
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = logging.New("hookrelay-scheduler")
	}
	return &Scheduler{
		proc:    proc,
		workers: workers,
		logger:  logger,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules t to run after delay.
func (s *Scheduler) Enqueue(_ context.Context, t Task, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.seq++
	heap.Push(&s.items, &scheduled{task: t, due: s.now().Add(delay), seq: s.seq})
	n := len(s.items)
	s.mu.Unlock()

	metrics.SetSchedulerQueueDepth(n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports how many tasks are waiting.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Run dispatches due tasks until ctx is done or Stop is called, then waits for
// in-flight tries to finish. Tasks still waiting are dropped; their ledger rows
// stay pending and Resume queues them again on the next start.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running = true
	s.stop = cancel
	s.mu.Unlock()

	p := pool.New().WithMaxGoroutines(s.workers)
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		p.Wait()
		cancel()
		close(s.done)
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		t, wait, ok := s.next()
		if ok {
			// blocks while every worker is busy
			p.Go(func() { s.handle(ctx, t) })
			continue
		}

		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
		case <-fire:
		}
		timer.Stop()
	}
}

// Stop ends Run and waits for in-flight tries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, running := s.stop, s.running
	s.closed = true
	s.mu.Unlock()
	if !running {
		return
	}
	stop()
	<-s.done
}

// next pops the earliest task if it is due; otherwise it returns how long to
// wait for it, or -1 when the heap is empty.
func (s *Scheduler) next() (Task, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return Task{}, -1, false
	}
	top := s.items[0]
	if wait := top.due.Sub(s.now()); wait > 0 {
		return Task{}, wait, false
	}
	heap.Pop(&s.items)
	metrics.SetSchedulerQueueDepth(len(s.items))
	return top.task, 0, true
}

func (s *Scheduler) handle(ctx context.Context, t Task) {
	// in-flight tries complete even when the scheduler is stopping
	out, err := s.proc.Process(context.WithoutCancel(ctx), t)
	if err != nil {
		s.logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("dispatch error")
	}
	if !out.Retry {
		return
	}
	t.Attempt = out.Attempts
	if err := s.Enqueue(ctx, t, out.Delay); err != nil {
		s.logger.Plain().WithDelivery(t.DeliveryID).WithError(err).Warn("retry not scheduled")
	}
}
