package transcribe

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/rs/zerolog"
)

type fakeRecoveryStore struct {
	orphans []database.Orphan
	pending []int64
	err     error
	cutoffs []time.Time
}

func (s *fakeRecoveryStore) ReapStaleTranscriptions(_ context.Context, cutoff time.Time) ([]database.Orphan, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	if s.err != nil {
		return nil, s.err
	}
	out := s.orphans
	s.orphans = nil
	return out, nil
}

func (s *fakeRecoveryStore) ListPendingTranscriptionIDs(context.Context) ([]int64, error) {
	return s.pending, s.err
}

func TestReapStale(t *testing.T) {
	store := &fakeRecoveryStore{orphans: []database.Orphan{{ID: 3, RecordingID: 30}, {ID: 4, RecordingID: 40}}}
	notifier := &recordingNotifier{}
	cutoff := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	n, err := ReapStale(context.Background(), store, notifier, cutoff, zerolog.Nop())
	if err != nil || n != 2 {
		t.Fatalf("ReapStale = %d, %v", n, err)
	}
	want := []notify.Event{
		{TranscriptionID: 3, RecordingID: 30, Status: "failed"},
		{TranscriptionID: 4, RecordingID: 40, Status: "failed"},
	}
	if got := notifier.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %+v, want %+v", got, want)
	}
	if !store.cutoffs[0].Equal(cutoff) {
		t.Errorf("cutoff = %v", store.cutoffs[0])
	}

	t.Run("store_error_publishes_nothing", func(t *testing.T) {
		notifier := &recordingNotifier{}
		_, err := ReapStale(context.Background(), &fakeRecoveryStore{err: errors.New("down")}, notifier, cutoff, zerolog.Nop())
		if err == nil {
			t.Fatal("expected error")
		}
		if len(notifier.all()) != 0 {
			t.Error("no events expected")
		}
	})
}

type sliceSubmitter struct {
	ids    []int64
	failOn int64
}

func (s *sliceSubmitter) Submit(id int64, p queue.Priority) error {
	if p != queue.PriorityDefault {
		return queue.ErrUnknownPriority
	}
	if id == s.failOn {
		return queue.ErrClosed
	}
	s.ids = append(s.ids, id)
	return nil
}

func TestResubmitPending(t *testing.T) {
	store := &fakeRecoveryStore{pending: []int64{1, 2, 3}}
	sub := &sliceSubmitter{failOn: 2}

	n, err := ResubmitPending(context.Background(), store, sub, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || !reflect.DeepEqual(sub.ids, []int64{1, 3}) {
		t.Errorf("resubmitted %d %v, want 2 [1 3]", n, sub.ids)
	}
}

func TestRunReaperStopsWithContext(t *testing.T) {
	store := &fakeRecoveryStore{orphans: []database.Orphan{{ID: 9, RecordingID: 90}}}
	notifier := &recordingNotifier{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunReaper(ctx, store, notifier, 5*time.Millisecond, time.Hour, zerolog.Nop())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(notifier.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunReaper did not return after cancel")
	}
	if got := notifier.all(); len(got) != 1 || got[0].TranscriptionID != 9 {
		t.Errorf("events = %+v", got)
	}
}
