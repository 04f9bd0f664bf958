package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/pana-app/pana-engine/internal/storage"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// errSkipped marks a file another pass is handling or has already ingested.
var errSkipped = errors.New("file skipped")

var audioExts = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".ogg": true,
	".oga": true, ".flac": true, ".webm": true, ".aac": true,
}

// Store is the persistence surface the watcher needs.
type Store interface {
	CreateRecording(ctx context.Context, row *database.RecordingRow) (*database.Recording, error)
	CreateTranscription(ctx context.Context, recordingID int64, modelName string) (*database.Transcription, error)
}

// AudioSaver persists audio under a locator key.
type AudioSaver interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// Submitter places a job on a priority queue.
type Submitter interface {
	Submit(jobID int64, p queue.Priority) error
}

type WatcherOptions struct {
	Dir       string
	Model     string
	Store     Store
	Audio     AudioSaver
	Submitter Submitter
	Debounce  time.Duration // zero means 500ms
	Log       zerolog.Logger
}

// WatcherStats is a point-in-time snapshot for logs and health output.
type WatcherStats struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesFailed    int64  `json:"files_failed"`
}

// FileWatcher turns audio files dropped into an inbox directory into
// recordings with a pending default-priority transcription. Ingested files
// are removed from the inbox; files that fail stay for the next start.
type FileWatcher struct {
	opts WatcherOptions
	log  zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	inflight       map[string]bool

	filesProcessed atomic.Int64
	filesFailed    atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

func NewFileWatcher(opts WatcherOptions) *FileWatcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	fw := &FileWatcher{
		opts:           opts,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		inflight:       make(map[string]bool),
	}
	fw.status.Store("starting")
	return fw
}

// Start watches the inbox tree and ingests files already present in the
// background.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(fw.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w
	fw.ctx, fw.cancel = context.WithCancel(ctx)

	dirCount := 0
	err = filepath.WalkDir(fw.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		fw.cancel()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.opts.Dir).
		Msg("file watcher initialized")

	fw.wg.Add(2)
	go func() {
		defer fw.wg.Done()
		fw.watchLoop()
	}()
	go func() {
		defer fw.wg.Done()
		fw.backfill()
	}()
	return nil
}

// Stop closes the fsnotify watcher and waits for the loops to exit. Pending
// debounce timers are dropped; their files are picked up on the next start.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
	}
	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()
	fw.wg.Wait()

	fw.log.Info().
		Int64("files_processed", fw.filesProcessed.Load()).
		Int64("files_failed", fw.filesFailed.Load()).
		Msg("file watcher stopped")
}

func (fw *FileWatcher) Stats() WatcherStats {
	s, _ := fw.status.Load().(string)
	return WatcherStats{
		Status:         s,
		WatchDir:       fw.opts.Dir,
		FilesProcessed: fw.filesProcessed.Load(),
		FilesFailed:    fw.filesFailed.Load(),
	}
}

func (fw *FileWatcher) watchLoop() {
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				}
				continue
			}
			if !isAudioFile(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess waits for a quiet period on path so the writer is done
// before the file is read.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(fw.opts.Debounce)
		return
	}
	fw.debounceTimers[path] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		if fw.ctx.Err() != nil {
			return
		}
		if err := fw.ingest(fw.ctx, path); errors.Is(err, errSkipped) {
			return
		} else if err != nil {
			fw.filesFailed.Add(1)
			fw.log.Warn().Err(err).Str("path", path).Msg("failed to ingest file")
			return
		}
		fw.filesProcessed.Add(1)
	})
}

// ingest stores one inbox file, registers it and queues its transcription.
func (fw *FileWatcher) ingest(ctx context.Context, path string) error {
	fw.debounceMu.Lock()
	if fw.inflight[path] {
		fw.debounceMu.Unlock()
		return errSkipped
	}
	fw.inflight[path] = true
	fw.debounceMu.Unlock()
	defer func() {
		fw.debounceMu.Lock()
		delete(fw.inflight, path)
		fw.debounceMu.Unlock()
	}()

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return errSkipped
	}
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty audio file")
	}

	recordedAt := info.ModTime().UTC()
	key := storage.RecordingKey(recordedAt, filepath.Base(path))
	if err := fw.opts.Audio.Save(ctx, key, data, mime.TypeByExtension(filepath.Ext(key))); err != nil {
		return fmt.Errorf("save audio: %w", err)
	}
	rec, err := fw.opts.Store.CreateRecording(ctx, &database.RecordingRow{
		FilePath:   key,
		RecordedAt: recordedAt,
	})
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	job, err := fw.opts.Store.CreateTranscription(ctx, rec.ID, fw.opts.Model)
	if err != nil {
		return fmt.Errorf("create transcription: %w", err)
	}

	// the recording exists now; a leftover inbox file would be ingested twice
	if err := os.Remove(path); err != nil {
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to remove ingested file")
	}
	if err := fw.opts.Submitter.Submit(job.ID, queue.PriorityDefault); err != nil {
		fw.log.Warn().Err(err).Int64("job_id", job.ID).Msg("submit failed, job left pending")
	}

	fw.log.Info().
		Str("path", path).
		Str("key", key).
		Int64("recording_id", rec.ID).
		Int64("job_id", job.ID).
		Msg("inbox file ingested")
	return nil
}

// backfill ingests files that were already in the inbox at startup,
// oldest first.
func (fw *FileWatcher) backfill() {
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	_ = filepath.WalkDir(fw.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isAudioFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	var processed int
	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Int("processed", processed).Msg("backfill interrupted by shutdown")
			return
		}
		if err := fw.ingest(fw.ctx, f.path); errors.Is(err, errSkipped) {
			continue
		} else if err != nil {
			fw.filesFailed.Add(1)
			fw.log.Warn().Err(err).Str("path", f.path).Msg("failed to ingest file")
			continue
		}
		fw.filesProcessed.Add(1)
		processed++
	}

	fw.status.CompareAndSwap("backfilling", "watching")
	fw.log.Info().
		Int("files", len(files)).
		Int("processed", processed).
		Dur("elapsed", time.Since(start)).
		Msg("backfill complete")
}

func isAudioFile(path string) bool {
	return audioExts[strings.ToLower(filepath.Ext(path))]
}
