package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pana-app/pana-engine/internal/database"
)

// fixStuckJobs reports jobs left in processing longer than age and, when
// not a dry run, fails them. No events are published; a running engine's
// reaper does that on its own schedule.
func fixStuckJobs(ctx context.Context, db *database.DB, age time.Duration, dryRun bool) {
	cutoff := time.Now().Add(-age)

	rows, err := db.Pool.Query(ctx, `
		SELECT id, recording_id, claimed_at
		FROM transcriptions
		WHERE status = 'processing' AND NOT is_deleted
			AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY claimed_at NULLS FIRST
	`, cutoff)
	if err != nil {
		fmt.Printf("Error finding stuck jobs: %v\n", err)
		return
	}
	var count int
	for rows.Next() {
		var id, recID int64
		var claimed *time.Time
		rows.Scan(&id, &recID, &claimed)
		since := "never"
		if claimed != nil {
			since = time.Since(*claimed).Round(time.Second).String()
		}
		fmt.Printf("  job %d (recording %d) processing for %s\n", id, recID, since)
		count++
	}
	rows.Close()

	fmt.Printf("Found %d job(s) stuck longer than %s\n", count, age)
	if dryRun || count == 0 {
		if count > 0 {
			fmt.Println("Dry run. Re-run with 'apply' to fail them.")
		}
		return
	}

	orphans, err := db.ReapStaleTranscriptions(ctx, cutoff)
	if err != nil {
		fmt.Printf("Error failing stuck jobs: %v\n", err)
		return
	}
	fmt.Printf("Failed %d job(s)\n", len(orphans))
}
