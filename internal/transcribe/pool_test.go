package transcribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/rs/zerolog"
)

// blockingProcessor records job ids and blocks each one until released or
// its ctx ends.
type blockingProcessor struct {
	mu      sync.Mutex
	started []int64
	release chan struct{}
	ctxErrs int
}

func (p *blockingProcessor) Process(ctx context.Context, id int64) (Outcome, error) {
	p.mu.Lock()
	p.started = append(p.started, id)
	p.mu.Unlock()
	select {
	case <-p.release:
		return OutcomeCompleted, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.ctxErrs++
		p.mu.Unlock()
		return OutcomeFailed, ctx.Err()
	}
}

func (p *blockingProcessor) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEndHighPriorityJob(t *testing.T) {
	const (
		jobID       = int64(1)
		recordingID = int64(7)
	)
	store := newMemStore()
	store.addRecording(recordingID, "r1.wav")
	store.addJob(jobID, recordingID, database.StatusPending)

	bus := notify.NewBus(8)
	sub, err := bus.Subscribe(notify.DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	publisher := notify.NewPublisher(bus, "", zerolog.Nop())
	worker := newTestWorker(store, &fakeTranscriber{resp: twoSegmentResponse()}, publisher)

	d := queue.NewDispatcher(zerolog.Nop())
	defer d.Close()
	pool := NewWorkerPool(WorkerPoolOptions{
		Priority:  queue.PriorityHigh,
		Queue:     d.Queue(queue.PriorityHigh),
		Processor: worker,
		Workers:   2,
		Log:       zerolog.Nop(),
	})
	pool.Start()
	defer pool.Stop(context.Background())

	if err := d.Submit(jobID, queue.PriorityHigh); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Messages():
		ev, err := notify.DecodeEvent(msg)
		if err != nil {
			t.Fatal(err)
		}
		want := notify.Event{TranscriptionID: jobID, RecordingID: recordingID, Status: "completed"}
		if ev != want {
			t.Errorf("event = %+v, want %+v", ev, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}

	j := store.job(jobID)
	if j.Status != database.StatusCompleted {
		t.Errorf("status = %s", j.Status)
	}
	if j.Confidence == nil || !approx(*j.Confidence, 0.745) {
		t.Errorf("confidence = %v, want 0.745", j.Confidence)
	}
	if j.TranscribedAt == nil {
		t.Error("transcribed_at not set")
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected second event %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
	waitFor(t, func() bool { return pool.Stats().Completed == 1 })
}

func TestWorkerPoolOnlyServesItsQueue(t *testing.T) {
	d := queue.NewDispatcher(zerolog.Nop())
	defer d.Close()
	p := &blockingProcessor{release: make(chan struct{})}
	close(p.release)

	pool := NewWorkerPool(WorkerPoolOptions{
		Priority:  queue.PriorityHigh,
		Queue:     d.Queue(queue.PriorityHigh),
		Processor: p,
		Workers:   1,
		Log:       zerolog.Nop(),
	})
	pool.Start()
	defer pool.Stop(context.Background())

	d.Submit(1, queue.PriorityDefault)
	d.Submit(2, queue.PriorityHigh)
	waitFor(t, func() bool { return p.startedCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	if p.started[0] != 2 || p.startedCount() != 1 {
		t.Errorf("started = %v, want [2]", p.started)
	}
	if got := d.Queue(queue.PriorityDefault).Len(); got != 1 {
		t.Errorf("default backlog = %d, want 1", got)
	}
}

func TestWorkerPoolStopWaitsForInFlight(t *testing.T) {
	d := queue.NewDispatcher(zerolog.Nop())
	defer d.Close()
	p := &blockingProcessor{release: make(chan struct{})}
	pool := NewWorkerPool(WorkerPoolOptions{
		Priority:  queue.PriorityDefault,
		Queue:     d.Queue(queue.PriorityDefault),
		Processor: p,
		Workers:   1,
		Log:       zerolog.Nop(),
	})
	pool.Start()
	d.Submit(1, queue.PriorityDefault)
	waitFor(t, func() bool { return p.startedCount() == 1 })

	stopped := make(chan struct{})
	go func() {
		pool.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(p.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}
	if s := pool.Stats(); s.Completed != 1 || p.ctxErrs != 0 {
		t.Errorf("stats = %+v ctxErrs = %d", s, p.ctxErrs)
	}
}

func TestWorkerPoolStopCancelsAfterDeadline(t *testing.T) {
	d := queue.NewDispatcher(zerolog.Nop())
	defer d.Close()
	p := &blockingProcessor{release: make(chan struct{})}
	pool := NewWorkerPool(WorkerPoolOptions{
		Priority:  queue.PriorityDefault,
		Queue:     d.Queue(queue.PriorityDefault),
		Processor: p,
		Workers:   1,
		Log:       zerolog.Nop(),
	})
	pool.Start()
	d.Submit(1, queue.PriorityDefault)
	waitFor(t, func() bool { return p.startedCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after its deadline")
	}
	if p.ctxErrs != 1 {
		t.Errorf("ctxErrs = %d, want 1", p.ctxErrs)
	}
	if s := pool.Stats(); s.Failed != 1 {
		t.Errorf("stats = %+v, want one failed", s)
	}
}

func TestWorkerPoolStopWithoutJobs(t *testing.T) {
	d := queue.NewDispatcher(zerolog.Nop())
	defer d.Close()
	pool := NewWorkerPool(WorkerPoolOptions{
		Priority:  queue.PriorityDefault,
		Queue:     d.Queue(queue.PriorityDefault),
		Processor: &blockingProcessor{},
		Workers:   4,
		Log:       zerolog.Nop(),
	})
	pool.Start()

	done := make(chan struct{})
	go func() {
		pool.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return within 5 seconds")
	}
}
