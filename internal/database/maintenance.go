package database

import (
	"context"
	"time"
)

// PurgeDeletedTranscriptions hard-deletes soft-deleted jobs older than the
// retention period. Returns the number of rows removed.
func (db *DB) PurgeDeletedTranscriptions(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM transcriptions
		WHERE is_deleted AND created_at < now() - make_interval(secs => $1)
	`, retention.Seconds())
	if err != nil {
		return 0, storeErr("purge deleted", err)
	}
	return tag.RowsAffected(), nil
}
