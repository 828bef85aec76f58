package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

type recordingProcessor struct {
	mu       sync.Mutex
	order    []string
	inflight map[string]int
	overlap  bool
	retries  map[string]int // delivery id -> tries before success
	tries    map[string]int
	done     chan string
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		inflight: make(map[string]int),
		retries:  make(map[string]int),
		tries:    make(map[string]int),
		done:     make(chan string, 100),
	}
}

func (p *recordingProcessor) Process(_ context.Context, t Task) (Outcome, error) {
	p.mu.Lock()
	p.order = append(p.order, t.DeliveryID)
	p.inflight[t.DeliveryID]++
	if p.inflight[t.DeliveryID] > 1 {
		p.overlap = true
	}
	p.tries[t.DeliveryID]++
	n := p.tries[t.DeliveryID]
	need := p.retries[t.DeliveryID]
	p.mu.Unlock()

	time.Sleep(time.Millisecond)

	p.mu.Lock()
	p.inflight[t.DeliveryID]--
	p.mu.Unlock()

	if n <= need {
		return Outcome{Status: webhook.StatusPending, Attempts: n, Retry: true, Delay: time.Millisecond}, nil
	}
	p.done <- t.DeliveryID
	return Outcome{Status: webhook.StatusSuccess, Attempts: n}, nil
}

func waitDone(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case id := <-ch:
			got = append(got, id)
		case <-timeout:
			t.Fatalf("only %d of %d tasks finished", len(got), n)
		}
	}
	return got
}

func TestSchedulerRunsDueTasksInOrder(t *testing.T) {
	proc := newRecordingProcessor()
	s := NewScheduler(proc, 1, quietLogger())

	ctx := context.Background()
	s.Enqueue(ctx, Task{DeliveryID: "late"}, 40*time.Millisecond)
	s.Enqueue(ctx, Task{DeliveryID: "first"}, 0)
	s.Enqueue(ctx, Task{DeliveryID: "second"}, 0)
	s.Enqueue(ctx, Task{DeliveryID: "middle"}, 20*time.Millisecond)
	if s.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", s.Len())
	}

	go s.Run(ctx)
	defer s.Stop()

	got := waitDone(t, proc.done, 4)
	want := []string{"first", "second", "middle", "late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSchedulerRetriesAreSequentialPerDelivery(t *testing.T) {
	proc := newRecordingProcessor()
	proc.retries["a"] = 3
	proc.retries["b"] = 2
	s := NewScheduler(proc, 4, quietLogger())
	go s.Run(context.Background())
	defer s.Stop()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Enqueue(context.Background(), Task{DeliveryID: id}, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitDone(t, proc.done, 3)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.overlap {
		t.Error("two tries of one delivery ran at the same time")
	}
	if proc.tries["a"] != 4 || proc.tries["b"] != 3 || proc.tries["c"] != 1 {
		t.Errorf("tries = %v", proc.tries)
	}
}

func TestSchedulerStop(t *testing.T) {
	proc := newRecordingProcessor()
	s := NewScheduler(proc, 2, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(returned)
	}()

	s.Enqueue(ctx, Task{DeliveryID: "now"}, 0)
	waitDone(t, proc.done, 1)
	cancel()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := s.Enqueue(context.Background(), Task{DeliveryID: "after"}, 0); !errors.Is(err, ErrSchedulerStopped) {
		t.Errorf("Enqueue after stop = %v, want ErrSchedulerStopped", err)
	}
	s.Stop() // no-op once Run has returned
}

func TestSchedulerEndToEnd(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, fastConfig(5))
	_, task := f.pending(t, srv.URL)

	s := NewScheduler(f.disp, 2, quietLogger())
	go s.Run(context.Background())
	defer s.Stop()

	if err := s.Enqueue(context.Background(), task, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sent, err := f.ledger.ListSent(context.Background(), "alice")
		if err != nil {
			t.Fatalf("ListSent: %v", err)
		}
		if len(sent) == 1 && sent[0].Status.Terminal() {
			if sent[0].Status != webhook.StatusSuccess || sent[0].Attempts != 3 {
				t.Errorf("final record = %+v", sent[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery not terminal in time: %+v", sent)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerOneSlowCallbackDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer fast.Close()

	f := newFixture(t, fastConfig(5))
	_, slowTask := f.pending(t, slow.URL)
	_, fastTask := f.pending(t, fast.URL)

	s := NewScheduler(f.disp, 2, quietLogger())
	go s.Run(context.Background())
	defer s.Stop()
	defer close(release)

	s.Enqueue(context.Background(), slowTask, 0)
	s.Enqueue(context.Background(), fastTask, 0)

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec, err := f.ledger.Get(context.Background(), "alice", fastTask.DeliveryID)
		if err == nil && rec.Status == webhook.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fast callback was blocked by the slow one")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
