package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shareonce/shareonce/internal/store"
)

const (
	// offsetKey is the store key holding the checkpointed log byte offset.
	offsetKey = "monitor:offset"
	// checkpointEvents and checkpointInterval bound the replay window after
	// a crash: whichever comes first flushes the offset.
	checkpointEvents   = 100
	checkpointInterval = 5 * time.Second
	// pollInterval is the fallback read cadence when fsnotify misses events
	// (network filesystems, bind mounts).
	pollInterval = time.Second
)

// Tailer follows the static server's access log across rotations and
// truncations, delivering complete lines to a handler.
type Tailer struct {
	path    string
	store   *store.Store
	handler func(ctx context.Context, line string)

	file    *os.File
	offset  int64
	partial []byte

	eventsSinceCheckpoint int
	lastCheckpoint        time.Time
}

// NewTailer creates a tailer delivering each complete log line to handler.
func NewTailer(path string, st *store.Store, handler func(ctx context.Context, line string)) *Tailer {
	return &Tailer{path: path, store: st, handler: handler}
}

// Run follows the log until the context is cancelled. With resume set, it
// starts from the last checkpointed offset (crash recovery); otherwise it
// seeks to the end and only sees new lines.
func (t *Tailer) Run(ctx context.Context, resume bool) error {
	if err := t.open(ctx, resume); err != nil {
		// The log may not exist yet; keep polling for it
		slog.Warn("Access log not available yet, waiting", "path", t.path, "error", err)
	}
	defer t.closeFile()
	defer t.checkpoint(context.WithoutCancel(ctx))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create log watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory, not the file: rotation replaces the file
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		slog.Warn("Failed to watch log directory, using polling only", "path", t.path, "error", err)
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	slog.Info("Tailing access log", "path", t.path, "offset", t.offset, "resume", resume)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("log watcher closed")
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			t.drain(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("log watcher closed")
			}
			slog.Warn("Log watcher error", "error", err)
		case <-poll.C:
			t.drain(ctx)
		}
	}
}

// open opens the log and positions the read offset.
func (t *Tailer) open(ctx context.Context, resume bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}

	var offset int64
	if resume {
		if v, err := t.store.GetValue(ctx, offsetKey); err == nil {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				offset = n
			}
		}
		if fi, err := f.Stat(); err == nil && offset > fi.Size() {
			// Log shrank since the checkpoint (rotation while down)
			offset = 0
		}
	} else {
		if fi, err := f.Stat(); err == nil {
			offset = fi.Size()
		}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	t.file = f
	t.offset = offset
	t.partial = nil
	return nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// drain reads all newly appended bytes, handling rotation and truncation.
func (t *Tailer) drain(ctx context.Context) {
	if t.file == nil {
		if err := t.open(ctx, false); err != nil {
			return
		}
		// A log that appears mid-run is read from its first line
		t.file.Seek(0, io.SeekStart)
		t.offset = 0
		slog.Info("Access log appeared", "path", t.path)
	}

	if t.rotated() {
		slog.Info("Access log rotated, reopening", "path", t.path)
		t.checkpointReset(ctx)
		t.closeFile()
		if err := t.open(ctx, false); err != nil {
			return
		}
		// New file: read it from the start
		t.file.Seek(0, io.SeekStart)
		t.offset = 0
	}

	if fi, err := t.file.Stat(); err == nil && fi.Size() < t.offset {
		// Truncated in place
		slog.Info("Access log truncated, rewinding", "path", t.path)
		t.file.Seek(0, io.SeekStart)
		t.offset = 0
		t.partial = nil
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.feed(ctx, buf[:n])
		}
		if err != nil {
			break
		}
	}

	if t.eventsSinceCheckpoint >= checkpointEvents || time.Since(t.lastCheckpoint) >= checkpointInterval {
		t.checkpoint(ctx)
	}
}

// rotated reports whether the path now names a different file than the one
// currently open.
func (t *Tailer) rotated() bool {
	cur, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	open, err := t.file.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(cur, open)
}

// feed splits raw bytes into complete lines, buffering any trailing partial
// line until its newline arrives.
func (t *Tailer) feed(ctx context.Context, data []byte) {
	t.partial = append(t.partial, data...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return
		}
		line := string(bytes.TrimRight(t.partial[:i], "\r"))
		t.partial = t.partial[i+1:]
		if line != "" {
			t.handler(ctx, line)
			t.eventsSinceCheckpoint++
		}
	}
}

// checkpoint persists the current offset for bounded-loss resume.
func (t *Tailer) checkpoint(ctx context.Context) {
	if err := t.store.SetValue(ctx, offsetKey, strconv.FormatInt(t.offset, 10), 0); err != nil {
		slog.Warn("Failed to checkpoint log offset", "error", err)
	}
	t.eventsSinceCheckpoint = 0
	t.lastCheckpoint = time.Now()
}

// checkpointReset zeroes the stored offset so a crash between rotation and
// the next checkpoint does not resume into the wrong file.
func (t *Tailer) checkpointReset(ctx context.Context) {
	t.offset = 0
	t.checkpoint(ctx)
}
