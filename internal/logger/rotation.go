package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rotatedSuffix is the timestamp layout appended to a rotated log file
const rotatedSuffix = "20060102-150405.000"

// RotationPolicy decides when the log file is rotated and how long rotated
// files are kept
type RotationPolicy struct {
	MaxSizeMB  int  // rotate once the file would grow past this size
	MaxAgeDays int  // remove rotated files older than this, 0 keeps them
	Compress   bool // gzip rotated files
}

// RotatingWriter is an io.Writer over a log file that is renamed aside with
// a timestamp suffix once it exceeds the policy size. Safe for concurrent use.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	policy   RotationPolicy
	limit    int64
	file     *os.File
	size     int64
	inflight sync.WaitGroup
}

// NewRotatingWriter opens path for appending and prunes expired rotations
func NewRotatingWriter(path string, policy RotationPolicy) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:   path,
		policy: policy,
		limit:  int64(policy.MaxSizeMB) << 20,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune(time.Now())

	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the limit
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(time.Now()); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compressions
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.inflight.Wait()
	return err
}

func (w *RotatingWriter) rotate(now time.Time) error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.path + "." + now.Format(rotatedSuffix)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.policy.Compress {
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			_ = gzipFile(rotated)
		}()
	}
	w.prune(now)

	return w.open()
}

// prune removes rotated files, compressed or not, older than MaxAgeDays
func (w *RotatingWriter) prune(now time.Time) {
	if w.policy.MaxAgeDays <= 0 {
		return
	}
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}

	cutoff := now.AddDate(0, 0, -w.policy.MaxAgeDays)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(m)
		if !strings.HasSuffix(m, ".gz") {
			os.Remove(m + ".gz")
		}
	}
}

// gzipFile replaces path with path.gz
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
