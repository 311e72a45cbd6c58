package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/certhub/certhub/internal/telemetry"
	"github.com/certhub/certhub/pkg/certificate"
	"github.com/certhub/certhub/pkg/jobqueue"
)

// Watcher observes the drop-zone directory (non-recursive) and enqueues
// deduplicated ingest/delete jobs for every qualifying filesystem event.
type Watcher struct {
	root         string
	orgID        uuid.UUID
	queue        *jobqueue.Queue
	debounce     time.Duration
	maxPerMinute int
	logger       *slog.Logger

	fsw *fsnotify.Watcher

	mu          sync.Mutex
	lastEvent   map[string]time.Time
	windowStart time.Time
	windowCount int
}

// New creates a Watcher rooted at dir. Call Run to start observing.
func New(dir string, orgID uuid.UUID, queue *jobqueue.Queue, debounceSeconds, maxEventsPerMinute int, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{
		root:         dir,
		orgID:        orgID,
		queue:        queue,
		debounce:     time.Duration(debounceSeconds) * time.Second,
		maxPerMinute: maxEventsPerMinute,
		logger:       logger,
		fsw:          fsw,
		lastEvent:    map[string]time.Time{},
	}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handle translates one fsnotify event per spec.md §4.5: create/write enqueue
// an ingest job, remove/rename enqueue a delete job for the old path (a
// rename's destination arrives as its own create event, so a move within the
// root naturally yields both a delete of the old name and an ingest of the
// new one).
func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if filepath.Dir(event.Name) != filepath.Clean(w.root) || !isCertFile(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.process(ctx, FuncIngest, event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.process(ctx, FuncDelete, event.Name)
	}
}

func (w *Watcher) process(ctx context.Context, kind, path string) {
	now := time.Now()
	if w.debounced(path, now) {
		telemetry.WatcherEventsTotal.WithLabelValues("debounced").Inc()
		return
	}
	if w.rateLimited(now) {
		telemetry.WatcherEventsTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	var args JobArgs
	args.OrgID = w.orgID.String()
	args.Path = path

	var id string
	if kind == FuncIngest {
		id = ingestJobID(w.orgID, path)
	} else {
		id = deleteJobID(w.orgID, path)
	}

	_, _, err := w.queue.EnqueueUnique(ctx, kind, args, id)
	if err != nil {
		w.logger.Error("enqueuing watcher job", "path", path, "kind", kind, "error", err)
		telemetry.WatcherEventsTotal.WithLabelValues("error").Inc()
		return
	}
	telemetry.WatcherEventsTotal.WithLabelValues("enqueued").Inc()
}

// debounced reports whether path fired within the debounce window of its
// previous processed event. The window anchors on the last event that was
// NOT dropped, so it only records now when the event is let through.
func (w *Watcher) debounced(path string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, seen := w.lastEvent[path]
	if seen && now.Sub(last) < w.debounce {
		return true
	}
	w.lastEvent[path] = now
	return false
}

// rateLimited enforces the global fixed-window cap on events per minute.
func (w *Watcher) rateLimited(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart) >= time.Minute {
		w.windowStart = now
		w.windowCount = 0
	}
	w.windowCount++
	return w.windowCount > w.maxPerMinute
}

// RunConsumer drains the ingest/delete jobs the Watcher enqueues, dispatching
// each to the certificate ingestion pipeline. Modeled on jobqueue.RunLoop,
// the generic ticker-driven worker shape used elsewhere in this codebase.
func RunConsumer(ctx context.Context, queue *jobqueue.Queue, certs *certificate.Service, workerID string, interval time.Duration, logger *slog.Logger) {
	jobqueue.RunLoop(ctx, queue, workerID, interval, func(ctx context.Context, job jobqueue.Job) error {
		var args JobArgs
		if err := json.Unmarshal(job.Args, &args); err != nil {
			return fmt.Errorf("decoding watcher job args: %w", err)
		}
		orgID, err := uuid.Parse(args.OrgID)
		if err != nil {
			return fmt.Errorf("parsing org id %q: %w", args.OrgID, err)
		}

		switch job.Func {
		case FuncIngest:
			_, _, ingestErr := certs.Ingest(ctx, orgID, args.Path)
			return ingestErr
		case FuncDelete:
			_, delErr := certs.DeleteByPath(ctx, orgID, args.Path)
			return delErr
		default:
			return fmt.Errorf("unknown watcher job func %q", job.Func)
		}
	}, func(err error) {
		logger.Error("watcher consumer error", "error", err)
	})
}
