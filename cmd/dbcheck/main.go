package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pana-app/pana-engine/internal/database"
	"github.com/rs/zerolog"
)

func main() {
	ctx := context.Background()
	db, err := database.Connect(ctx, database.Options{
		URL:      os.Getenv("DATABASE_URL"),
		MaxConns: 2,
		MinConns: 1,
		Log:      zerolog.Nop(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	apply := len(os.Args) > 2 && os.Args[len(os.Args)-1] == "apply"

	switch cmd {
	case "stuck":
		// dbcheck stuck [minutes] [apply]
		age := 30 * time.Minute
		if len(os.Args) > 2 {
			if n, err := strconv.Atoi(os.Args[2]); err == nil {
				age = time.Duration(n) * time.Minute
			}
		}
		fixStuckJobs(ctx, db, age, !apply)
	case "purge":
		// dbcheck purge [days]
		days := 30
		if len(os.Args) > 2 {
			if n, err := strconv.Atoi(os.Args[2]); err == nil {
				days = n
			}
		}
		n, err := db.PurgeDeletedTranscriptions(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			fmt.Printf("Error purging: %v\n", err)
			return
		}
		fmt.Printf("Purged %d soft-deleted transcriptions older than %d days\n", n, days)
	case "orphans":
		listOrphanRecordings(ctx, db.Pool)
	default:
		statusCounts(ctx, db.Pool)
	}
}

func statusCounts(ctx context.Context, pool *pgxpool.Pool) {
	tables := []string{"recordings", "transcriptions"}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t+" WHERE NOT is_deleted").Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}

	fmt.Println("\n── Transcriptions by Status ──")
	rows, err := pool.Query(ctx, `
		SELECT status::text, count(*), avg(confidence)
		FROM transcriptions
		WHERE NOT is_deleted
		GROUP BY status
		ORDER BY status
	`)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		var avg *float64
		rows.Scan(&status, &count, &avg)
		if avg != nil {
			fmt.Printf("  %-12s %6d  avg confidence %.3f\n", status, count, *avg)
		} else {
			fmt.Printf("  %-12s %6d\n", status, count)
		}
	}
}

func listOrphanRecordings(ctx context.Context, pool *pgxpool.Pool) {
	fmt.Println("── Recordings Without a Transcription ──")
	rows, err := pool.Query(ctx, `
		SELECT r.id, r.file_path, r.created_at
		FROM recordings r
		LEFT JOIN transcriptions t ON t.recording_id = r.id AND NOT t.is_deleted
		WHERE NOT r.is_deleted AND t.id IS NULL
		ORDER BY r.created_at
		LIMIT 100
	`)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id int64
		var path string
		var created time.Time
		rows.Scan(&id, &path, &created)
		fmt.Printf("  %6d  %s  %s\n", id, created.Format(time.RFC3339), path)
		n++
	}
	fmt.Printf("%d recording(s)\n", n)
}
