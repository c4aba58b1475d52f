package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentpulse/agentpulse/internal/logging"
)

// maxReadChunk bounds how much of a file a single ReadNew call consumes.
const maxReadChunk = 8 << 20

// OffsetStore persists read positions across restarts.
type OffsetStore interface {
	GetOffsets() (map[string]int64, error)
	SaveOffset(path string, offset int64) error
}

// Tailer follows the newest gateway log file in a directory and hands back
// complete lines appended since the last read.
type Tailer struct {
	dir     string
	store   OffsetStore
	log     *zap.Logger
	now     func() time.Time
	offsets map[string]int64
	current string

	chunkSize int64
	// skipping marks files positioned inside a line longer than chunkSize.
	skipping map[string]bool
}

// NewTailer creates a tailer over dir. store may be nil, in which case
// positions live only in memory.
func NewTailer(dir string, store OffsetStore, log *zap.Logger) (*Tailer, error) {
	t := &Tailer{
		dir:     dir,
		store:   store,
		log:     logging.OrNop(log),
		now:     time.Now,
		offsets: make(map[string]int64),

		chunkSize: maxReadChunk,
		skipping:  make(map[string]bool),
	}
	if store != nil {
		saved, err := store.GetOffsets()
		if err != nil {
			return nil, fmt.Errorf("loading tail offsets: %w", err)
		}
		for path, off := range saved {
			t.offsets[path] = off
		}
	}
	return t, nil
}

// Dir returns the directory being tailed.
func (t *Tailer) Dir() string { return t.dir }

// Current returns the file most recently read, or "".
func (t *Tailer) Current() string { return t.current }

// LatestFile picks today's openclaw-YYYY-MM-DD.log when present, otherwise
// the most recently modified openclaw-*.log. It returns "" when the
// directory holds no logs.
func (t *Tailer) LatestFile() (string, error) {
	today := filepath.Join(t.dir, "openclaw-"+t.now().Format("2006-01-02")+".log")
	if fi, err := os.Stat(today); err == nil && fi.Mode().IsRegular() {
		return today, nil
	}

	matches, err := filepath.Glob(filepath.Join(t.dir, "openclaw-*.log"))
	if err != nil {
		return "", err
	}
	type candidate struct {
		path  string
		mtime int64
	}
	var files []candidate
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, candidate{path: m, mtime: fi.ModTime().UnixNano()})
	}
	if len(files) == 0 {
		return "", nil
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime != files[j].mtime {
			return files[i].mtime > files[j].mtime
		}
		return files[i].path > files[j].path
	})
	return files[0].path, nil
}

// ReadNew returns complete lines written to the latest log file since the
// previous call. A file seen for the first time without a saved position
// starts at its end, so history already on disk is not replayed. A file
// that shrank is read again from the start.
func (t *Tailer) ReadNew() ([]string, error) {
	path, err := t.LatestFile()
	if err != nil || path == "" {
		return nil, err
	}
	if path != t.current {
		if t.current != "" {
			t.log.Info("log file rotated", zap.String("from", t.current), zap.String("to", path))
		}
		t.current = path
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	size := fi.Size()

	offset, known := t.offsets[path]
	switch {
	case !known:
		t.setOffset(path, size)
		return nil, nil
	case size < offset:
		t.log.Info("log file truncated", zap.String("path", path), zap.Int64("offset", offset), zap.Int64("size", size))
		offset = 0
		delete(t.skipping, path)
	case size == offset:
		return nil, nil
	}

	//nolint:gosec // path comes from the configured log directory
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking log: %w", err)
	}
	n := min(size-offset, t.chunkSize)
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	buf = buf[:read]

	start := 0
	if t.skipping[path] {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			t.setOffset(path, offset+int64(len(buf)))
			return nil, nil
		}
		delete(t.skipping, path)
		start = i + 1
	}

	// Hold back a trailing partial line until its newline arrives. A line
	// that fills a whole chunk is dropped so the rest of the file still flows.
	end := bytes.LastIndexByte(buf, '\n')
	if end < start {
		if start == 0 && int64(len(buf)) == t.chunkSize {
			t.log.Warn("dropping oversized log line", zap.String("path", path), zap.Int64("offset", offset))
			t.skipping[path] = true
			t.setOffset(path, offset+int64(len(buf)))
			return nil, nil
		}
		t.setOffset(path, offset+int64(start))
		return nil, nil
	}
	chunk := buf[start : end+1]
	t.setOffset(path, offset+int64(end+1))

	var lines []string
	for _, l := range strings.Split(string(chunk), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (t *Tailer) setOffset(path string, off int64) {
	if prev, ok := t.offsets[path]; ok && prev == off {
		return
	}
	t.offsets[path] = off
	if t.store == nil {
		return
	}
	if err := t.store.SaveOffset(path, off); err != nil {
		t.log.Warn("saving tail offset", zap.String("path", path), zap.Error(err))
	}
}

// Watch signals on the returned channel whenever a log file in the directory
// is written or created. Signals coalesce; the channel closes when ctx ends.
func (t *Tailer) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(t.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", t.dir, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isLogFile(ev.Name) || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				t.log.Warn("log watcher error", zap.Error(err))
			}
		}
	}()
	return wake, nil
}

func isLogFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, "openclaw-") && strings.HasSuffix(name, ".log")
}
