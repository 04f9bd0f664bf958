package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/rs/zerolog"
)

// ── fakes ────────────────────────────────────────────────────────────

// memStore is an in-memory Store that enforces the same forward-only
// transition guard as the database.
type memStore struct {
	mu          sync.Mutex
	jobs        map[int64]*database.Transcription
	deleted     map[int64]bool
	recordings  map[int64]*database.Recording // by recording id
	transitions map[int64][]database.Status

	claimErr error // returned instead of applying the processing claim
	finalErr error // returned instead of applying the completed write
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[int64]*database.Transcription),
		deleted:     make(map[int64]bool),
		recordings:  make(map[int64]*database.Recording),
		transitions: make(map[int64][]database.Status),
	}
}

func (s *memStore) addRecording(id int64, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[id] = &database.Recording{ID: id, FilePath: path}
}

func (s *memStore) addJob(id, recordingID int64, status database.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = &database.Transcription{
		ID:          id,
		RecordingID: recordingID,
		Status:      status,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) job(id int64) database.Transcription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memStore) GetTranscription(_ context.Context, id int64) (*database.Transcription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || s.deleted[id] {
		return nil, database.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) GetParentRecording(_ context.Context, id int64) (*database.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || s.deleted[id] {
		return nil, database.ErrNotFound
	}
	r, ok := s.recordings[j.RecordingID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) UpdateTranscription(_ context.Context, id int64, u database.TranscriptionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return database.ErrNotFound
	}
	if s.deleted[id] {
		return nil
	}
	if u.Status != nil {
		switch {
		case *u.Status == database.StatusProcessing && s.claimErr != nil:
			return s.claimErr
		case *u.Status == database.StatusCompleted && s.finalErr != nil:
			return s.finalErr
		}
		if !j.Status.CanTransition(*u.Status) {
			return database.ErrStaleStatus
		}
		j.Status = *u.Status
		s.transitions[id] = append(s.transitions[id], *u.Status)
	}
	if u.Text != nil {
		j.Text = u.Text
	}
	if u.Language != nil {
		j.Language = u.Language
	}
	if u.Confidence != nil {
		j.Confidence = u.Confidence
	}
	if u.ModelName != nil {
		j.ModelName = u.ModelName
	}
	if u.Words != nil {
		j.Words = u.Words
	}
	if u.ClaimedAt != nil {
		j.ClaimedAt = u.ClaimedAt
	}
	if u.TranscribedAt != nil {
		j.TranscribedAt = u.TranscribedAt
	}
	return nil
}

type fakeTranscriber struct {
	mu      sync.Mutex
	resp    *Response
	err     error
	calls   []string
	release chan struct{} // if set, Transcribe blocks until closed or ctx ends
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, locator string) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, locator)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, &BackendError{Provider: "fake", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeTranscriber) Model() string { return "whisper-test" }

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

func twoSegmentResponse() *Response {
	return &Response{
		Text:     " hello there world ",
		Language: "en",
		Segments: []Segment{
			{Start: 0, End: 1.5, Text: "hello there", AvgLogProb: -0.2, NoSpeechProb: 0.1},
			{Start: 1.5, End: 2.2, Text: "world", AvgLogProb: -0.4, NoSpeechProb: 0.2},
		},
		Words: []Word{
			{Start: 0, End: 0.6, Text: "hello"},
			{Start: 0.6, End: 1.5, Text: "there"},
			{Start: 1.5, End: 2.2, Text: "world"},
		},
	}
}

func newTestWorker(store Store, tr Transcriber, n Notifier) *Worker {
	w := NewWorker(store, tr, n, zerolog.Nop())
	w.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return w
}

// ── Process ──────────────────────────────────────────────────────────

func TestProcessCompletes(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "recordings/r10.m4a")
	store.addJob(1, 10, database.StatusPending)
	tr := &fakeTranscriber{resp: twoSegmentResponse()}
	n := &recordingNotifier{}

	outcome, err := newTestWorker(store, tr, n).Process(context.Background(), 1)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", outcome)
	}

	j := store.job(1)
	if j.Status != database.StatusCompleted {
		t.Errorf("status = %s", j.Status)
	}
	if j.Text == nil || *j.Text != "hello there world" {
		t.Errorf("text = %v", j.Text)
	}
	if j.Language == nil || *j.Language != "en" {
		t.Errorf("language = %v", j.Language)
	}
	if j.Confidence == nil || !approx(*j.Confidence, 0.745) {
		t.Errorf("confidence = %v, want 0.745", j.Confidence)
	}
	if j.ModelName == nil || *j.ModelName != "whisper-test" {
		t.Errorf("model = %v", j.ModelName)
	}
	if j.TranscribedAt == nil || j.ClaimedAt == nil {
		t.Error("transcribed_at and claimed_at should be set")
	}
	var words []Word
	if err := json.Unmarshal(j.Words, &words); err != nil || len(words) != 3 || words[2].Text != "world" {
		t.Errorf("words = %s (%v)", j.Words, err)
	}

	want := []database.Status{database.StatusProcessing, database.StatusCompleted}
	if got := store.transitions[1]; !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if got := tr.calls; len(got) != 1 || got[0] != "recordings/r10.m4a" {
		t.Errorf("backend calls = %v", got)
	}

	events := n.all()
	wantEvent := notify.Event{TranscriptionID: 1, RecordingID: 10, Status: "completed"}
	if len(events) != 1 || events[0] != wantEvent {
		t.Errorf("events = %+v, want [%+v]", events, wantEvent)
	}
}

func TestProcessTerminalJobIsNoop(t *testing.T) {
	for _, status := range []database.Status{database.StatusCompleted, database.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore()
			store.addRecording(10, "r10.wav")
			store.addJob(1, 10, database.StatusPending)
			tr := &fakeTranscriber{resp: twoSegmentResponse()}
			n := &recordingNotifier{}
			w := newTestWorker(store, tr, n)

			if status == database.StatusCompleted {
				if _, err := w.Process(context.Background(), 1); err != nil {
					t.Fatal(err)
				}
			} else {
				tr.err = &BackendError{Provider: "fake", Err: errors.New("boom")}
				w.Process(context.Background(), 1)
			}
			before := store.job(1)
			eventsBefore := len(n.all())
			callsBefore := tr.callCount()

			outcome, err := w.Process(context.Background(), 1)
			if err != nil || outcome != OutcomeSkipped {
				t.Fatalf("re-invoke = (%s, %v), want (skipped, nil)", outcome, err)
			}
			if after := store.job(1); !reflect.DeepEqual(before, after) {
				t.Errorf("job changed on re-invoke:\nbefore %+v\nafter  %+v", before, after)
			}
			if got := len(n.all()); got != eventsBefore {
				t.Errorf("events = %d, want %d (no second event)", got, eventsBefore)
			}
			if tr.callCount() != callsBefore {
				t.Error("backend called on re-invoke")
			}
		})
	}
}

func TestProcessMissingJob(t *testing.T) {
	n := &recordingNotifier{}
	tr := &fakeTranscriber{}
	outcome, err := newTestWorker(newMemStore(), tr, n).Process(context.Background(), 99)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("got (%s, %v), want (skipped, nil)", outcome, err)
	}
	if len(n.all()) != 0 || tr.callCount() != 0 {
		t.Error("missing job must not publish or call the backend")
	}
}

func TestProcessMissingRecording(t *testing.T) {
	store := newMemStore()
	store.addJob(1, 10, database.StatusPending) // recording 10 never added
	tr := &fakeTranscriber{resp: twoSegmentResponse()}
	n := &recordingNotifier{}

	outcome, err := newTestWorker(store, tr, n).Process(context.Background(), 1)
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("got (%s, %v), want (failed, nil)", outcome, err)
	}
	if got := store.job(1).Status; got != database.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if tr.callCount() != 0 {
		t.Error("backend should not be called")
	}
	want := notify.Event{TranscriptionID: 1, RecordingID: 10, Status: "failed"}
	if events := n.all(); len(events) != 1 || events[0] != want {
		t.Errorf("events = %+v, want [%+v]", events, want)
	}
}

func TestProcessBackendFailure(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "r10.wav")
	store.addJob(1, 10, database.StatusPending)
	backendErr := &BackendError{Provider: "fake", Err: context.DeadlineExceeded}
	n := &recordingNotifier{}

	outcome, err := newTestWorker(store, &fakeTranscriber{err: backendErr}, n).Process(context.Background(), 1)
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", outcome)
	}
	var be *BackendError
	if !errors.As(err, &be) || !be.Timeout() {
		t.Errorf("err = %v, want timed-out BackendError", err)
	}

	j := store.job(1)
	if j.Status != database.StatusFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
	if j.Text != nil || j.Confidence != nil || j.TranscribedAt != nil {
		t.Error("failed job must carry no transcription content")
	}
	want := []database.Status{database.StatusProcessing, database.StatusFailed}
	if got := store.transitions[1]; !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if events := n.all(); len(events) != 1 || events[0].Status != "failed" {
		t.Errorf("events = %+v", events)
	}
}

func TestProcessConfidenceFailure(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "r10.wav")
	store.addJob(1, 10, database.StatusPending)
	resp := &Response{Text: "x", Segments: []Segment{{NoSpeechProb: 1.5}}}
	n := &recordingNotifier{}

	outcome, err := newTestWorker(store, &fakeTranscriber{resp: resp}, n).Process(context.Background(), 1)
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("got (%s, %v), want (failed, error)", outcome, err)
	}
	if got := store.job(1).Status; got != database.StatusFailed {
		t.Errorf("status = %s", got)
	}
	if len(n.all()) != 1 {
		t.Error("expected one failure event")
	}
}

func TestProcessWithoutSegmentsLeavesConfidenceUnset(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "r10.wav")
	store.addJob(1, 10, database.StatusPending)
	resp := &Response{Text: "hi", Language: "de"}

	outcome, err := newTestWorker(store, &fakeTranscriber{resp: resp}, &recordingNotifier{}).Process(context.Background(), 1)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("got (%s, %v)", outcome, err)
	}
	j := store.job(1)
	if j.Confidence != nil {
		t.Errorf("confidence = %v, want nil", *j.Confidence)
	}
	if string(j.Words) != "[]" {
		t.Errorf("words = %s, want []", j.Words)
	}
}

func TestProcessFinalWriteFailure(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "r10.wav")
	store.addJob(1, 10, database.StatusPending)
	store.finalErr = &database.StoreError{Op: "update transcription", Err: errors.New("connection refused")}
	n := &recordingNotifier{}

	outcome, err := newTestWorker(store, &fakeTranscriber{resp: twoSegmentResponse()}, n).Process(context.Background(), 1)
	if outcome != OutcomeError {
		t.Errorf("outcome = %s, want error", outcome)
	}
	var se *database.StoreError
	if !errors.As(err, &se) {
		t.Errorf("err = %v, want StoreError", err)
	}
	if got := store.job(1).Status; got != database.StatusProcessing {
		t.Errorf("status = %s, want processing (never claim completed without a write)", got)
	}
	if len(n.all()) != 0 {
		t.Error("no event may be published without a confirmed write")
	}
}

func TestProcessLostClaim(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "r10.wav")
	store.addJob(1, 10, database.StatusPending)
	store.claimErr = database.ErrStaleStatus
	tr := &fakeTranscriber{resp: twoSegmentResponse()}
	n := &recordingNotifier{}

	outcome, err := newTestWorker(store, tr, n).Process(context.Background(), 1)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("got (%s, %v), want (skipped, nil)", outcome, err)
	}
	if tr.callCount() != 0 || len(n.all()) != 0 {
		t.Error("a lost claim must not call the backend or publish")
	}
}

func TestProcessProcessingJobIsNotReclaimed(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "r10.wav")
	store.addJob(1, 10, database.StatusProcessing)
	tr := &fakeTranscriber{resp: twoSegmentResponse()}

	outcome, err := newTestWorker(store, tr, &recordingNotifier{}).Process(context.Background(), 1)
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("got (%s, %v), want (skipped, nil)", outcome, err)
	}
	if tr.callCount() != 0 {
		t.Error("backend called for a job another worker holds")
	}
}

func TestProcessCancelledMidCallStillRecordsFailure(t *testing.T) {
	store := newMemStore()
	store.addRecording(10, "r10.wav")
	store.addJob(1, 10, database.StatusPending)
	tr := &fakeTranscriber{resp: twoSegmentResponse(), release: make(chan struct{})}
	n := &recordingNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for tr.callCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	outcome, _ := newTestWorker(store, tr, n).Process(ctx, 1)
	if outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", outcome)
	}
	if got := store.job(1).Status; got != database.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}
