package forkdetect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
)

// ForkHandler is invoked after a fork resolves, with the watcher's
// bookkeeping already moved to the new id.
type ForkHandler func(agentName, oldID, newID string)

type binding struct {
	dir     string
	current string
	watched bool
}

// Watcher keeps tracked agents' transcript ids current in the background.
// Filesystem events (or polling, per config) trigger a settle-delayed
// re-resolve of every tracked agent.
type Watcher struct {
	detector *Detector
	handler  ForkHandler
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	started  bool

	watcher *fsnotify.Watcher

	// Buffered to avoid blocking the event loop
	fsChangeTrigger chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher builds a watcher around the detector. Mode "poll" skips
// fsnotify entirely; "auto" falls back to polling when the platform
// watcher cannot be created; "inotify" treats that as a hard error.
// The handler and event bus may both be nil.
func NewWatcher(det *Detector, handler ForkHandler, eventBus bus.EventBus, log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("forkdetect.watcher")

	var fsw *fsnotify.Watcher
	if det.cfg.Mode != "poll" {
		var err error
		fsw, err = fsnotify.NewWatcher()
		if err != nil {
			if det.cfg.Mode == "inotify" {
				return nil, fmt.Errorf("create filesystem watcher: %w", err)
			}
			log.Warn("filesystem watcher unavailable, falling back to polling", zap.Error(err))
			fsw = nil
		}
	}

	return &Watcher{
		detector:        det,
		handler:         handler,
		eventBus:        eventBus,
		logger:          log,
		bindings:        make(map[string]*binding),
		watcher:         fsw,
		fsChangeTrigger: make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}, nil
}

// Mode reports the resolved watch mechanism.
func (w *Watcher) Mode() string {
	if w.watcher != nil {
		return "inotify"
	}
	return "poll"
}

// Track begins watching an agent's transcript directory. The directory
// may not exist yet; the poll loop keeps retrying the filesystem watch
// until it appears.
func (w *Watcher) Track(agentName, dir, currentID string) {
	b := &binding{dir: dir, current: currentID}
	w.mu.Lock()
	w.bindings[agentName] = b
	w.mu.Unlock()

	if w.watcher != nil {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Debug("transcript directory not watchable yet",
				zap.String("agent", agentName),
				zap.String("dir", dir),
				zap.Error(err))
		} else {
			w.mu.Lock()
			b.watched = true
			w.mu.Unlock()
		}
	}
}

// Untrack stops watching an agent.
func (w *Watcher) Untrack(agentName string) {
	w.mu.Lock()
	b := w.bindings[agentName]
	delete(w.bindings, agentName)
	w.mu.Unlock()

	if b != nil && b.watched && w.watcher != nil {
		_ = w.watcher.Remove(b.dir)
	}
}

// CurrentID returns the watcher's view of an agent's active transcript.
func (w *Watcher) CurrentID(agentName string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.bindings[agentName]
	if !ok {
		return "", false
	}
	return b.current, true
}

// Start launches the background loops. Calling Start twice is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	if w.watcher != nil {
		w.wg.Add(1)
		go w.watchFilesystem(ctx)
		w.wg.Add(1)
		go w.settleLoop(ctx)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx)

	w.logger.Info("fork watcher started",
		zap.String("mode", w.Mode()),
		zap.Duration("poll_interval", w.detector.cfg.PollInterval))
}

// Stop halts the loops and waits for them to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			if err := w.watcher.Close(); err != nil {
				w.logger.Debug("failed to close filesystem watcher", zap.Error(err))
			}
		}
	})
	w.wg.Wait()
}

// watchFilesystem forwards relevant filesystem events into the settle
// trigger.
func (w *Watcher) watchFilesystem(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}
			select {
			case w.fsChangeTrigger <- struct{}{}:
			default:
				// Recheck already pending
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("filesystem watcher error", zap.Error(err))
		}
	}
}

// settleLoop debounces filesystem triggers. A burst of writes produces a
// single re-resolve once activity stops for the settle delay.
func (w *Watcher) settleLoop(ctx context.Context) {
	defer w.wg.Done()

	var settleTimer *time.Timer
	var pending bool

	for {
		select {
		case <-ctx.Done():
			if settleTimer != nil {
				settleTimer.Stop()
			}
			return
		case <-w.stopCh:
			if settleTimer != nil {
				settleTimer.Stop()
			}
			return
		case <-w.fsChangeTrigger:
			if settleTimer == nil {
				settleTimer = time.NewTimer(w.detector.cfg.SettleDelay)
			} else {
				if !settleTimer.Stop() {
					select {
					case <-settleTimer.C:
					default:
					}
				}
				settleTimer.Reset(w.detector.cfg.SettleDelay)
			}
			pending = true
		case <-func() <-chan time.Time {
			if settleTimer != nil {
				return settleTimer.C
			}
			return nil
		}():
			if pending {
				w.recheckAll(ctx)
				pending = false
			}
			settleTimer = nil
		}
	}
}

// pollLoop re-resolves every binding on a timer. With fsnotify active it
// is a safety net that also retries watches on directories that did not
// exist at Track time; in poll mode it is the only mechanism.
func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.detector.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.rewatchMissing()
			w.recheckAll(ctx)
		}
	}
}

// rewatchMissing retries fsnotify watches for directories created after
// Track.
func (w *Watcher) rewatchMissing() {
	if w.watcher == nil {
		return
	}

	w.mu.Lock()
	type retry struct {
		agent string
		b     *binding
	}
	var retries []retry
	for agent, b := range w.bindings {
		if !b.watched {
			retries = append(retries, retry{agent: agent, b: b})
		}
	}
	w.mu.Unlock()

	for _, r := range retries {
		if err := w.watcher.Add(r.b.dir); err != nil {
			continue
		}
		w.mu.Lock()
		r.b.watched = true
		w.mu.Unlock()
		w.logger.Debug("transcript directory watch established",
			zap.String("agent", r.agent),
			zap.String("dir", r.b.dir))
	}
}

// recheckAll resolves every tracked agent and applies any forks found.
func (w *Watcher) recheckAll(ctx context.Context) {
	type snapshot struct {
		agent   string
		dir     string
		current string
	}

	w.mu.Lock()
	snaps := make([]snapshot, 0, len(w.bindings))
	for agent, b := range w.bindings {
		snaps = append(snaps, snapshot{agent: agent, dir: b.dir, current: b.current})
	}
	w.mu.Unlock()

	for _, s := range snaps {
		newID, err := w.detector.Resolve(s.dir, s.current)
		if err != nil {
			switch {
			case errors.Is(err, ErrNoTranscripts):
				// Agent has not written its first record yet
			case errors.Is(err, ErrUnresolved):
				w.logger.Warn("stored transcript is stale with no descendant",
					zap.String("agent", s.agent),
					zap.String("stored", s.current))
			default:
				w.logger.Debug("transcript resolve failed",
					zap.String("agent", s.agent),
					zap.Error(err))
			}
			continue
		}
		if newID == s.current {
			continue
		}

		w.mu.Lock()
		b, ok := w.bindings[s.agent]
		if !ok || b.current != s.current {
			w.mu.Unlock()
			continue
		}
		b.current = newID
		w.mu.Unlock()

		w.logger.Info("transcript fork detected",
			zap.String("agent", s.agent),
			zap.String("old", s.current),
			zap.String("new", newID))

		if w.handler != nil {
			w.handler(s.agent, s.current, newID)
		}
		w.publishFork(ctx, s.agent, s.current, newID)
	}
}

func (w *Watcher) publishFork(ctx context.Context, agent, oldID, newID string) {
	if w.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"agent":          agent,
		"old_transcript": oldID,
		"new_transcript": newID,
	}
	if err := w.eventBus.Publish(ctx, events.TranscriptForked, bus.NewEvent(events.TranscriptForked, "forkdetect", data)); err != nil {
		w.logger.Debug("event publish failed", zap.String("type", events.TranscriptForked), zap.Error(err))
	}
}
