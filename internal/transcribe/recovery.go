package transcribe

import (
	"context"
	"time"

	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/rs/zerolog"
)

// RecoveryStore is the store surface used at startup and by the reaper.
type RecoveryStore interface {
	ReapStaleTranscriptions(ctx context.Context, cutoff time.Time) ([]database.Orphan, error)
	ListPendingTranscriptionIDs(ctx context.Context) ([]int64, error)
}

// Submitter places a job on a priority queue.
type Submitter interface {
	Submit(jobID int64, p queue.Priority) error
}

// ReapStale fails jobs stuck in processing since before cutoff and
// announces each one like any other failure.
func ReapStale(ctx context.Context, store RecoveryStore, notifier Notifier, cutoff time.Time, log zerolog.Logger) (int, error) {
	orphans, err := store.ReapStaleTranscriptions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, o := range orphans {
		log.Warn().Int64("job_id", o.ID).Int64("recording_id", o.RecordingID).Msg("stale job failed")
		notifier.Notify(ctx, notify.Event{
			TranscriptionID: o.ID,
			RecordingID:     o.RecordingID,
			Status:          database.StatusFailed.String(),
		})
	}
	return len(orphans), nil
}

// ResubmitPending re-queues every pending job at default priority. Queues
// live in memory, so jobs submitted before a restart exist only as rows.
func ResubmitPending(ctx context.Context, store RecoveryStore, sub Submitter, log zerolog.Logger) (int, error) {
	ids, err := store.ListPendingTranscriptionIDs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := sub.Submit(id, queue.PriorityDefault); err != nil {
			log.Warn().Err(err).Int64("job_id", id).Msg("resubmit failed")
			continue
		}
		n++
	}
	if n > 0 {
		log.Info().Int("jobs", n).Msg("pending jobs resubmitted")
	}
	return n, nil
}

// RunReaper calls ReapStale every interval until ctx is done. Jobs older
// than maxAge in processing are failed.
func RunReaper(ctx context.Context, store RecoveryStore, notifier Notifier, interval, maxAge time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := ReapStale(ctx, store, notifier, now.Add(-maxAge), log); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("reap stale jobs failed")
			}
		}
	}
}
