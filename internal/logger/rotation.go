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

const rotatedSuffixLayout = "20060102-150405.000"

// RotatingWriter appends to a log file and moves it aside once it would grow
// past the size limit. Rotated files older than maxAge days are pruned on open
// and after every rotation.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	limit    int64
	maxAge   int
	compress bool
	file     *os.File
	size     int64
	wg       sync.WaitGroup
}

// NewRotatingWriter opens path for appending, creating parent directories.
func NewRotatingWriter(path string, maxSizeMB, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSizeMB)
	}
	return newRotatingWriter(path, int64(maxSizeMB)<<20, maxAgeDays, compress)
}

func newRotatingWriter(path string, limit int64, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, limit: limit, maxAge: maxAgeDays, compress: compress}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	aside := w.path + "." + time.Now().Format(rotatedSuffixLayout)
	if err := os.Rename(w.path, aside); err != nil {
		return err
	}
	if w.compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			_ = gzipFile(aside)
		}()
	}
	if err := w.open(); err != nil {
		return err
	}
	w.prune()
	return nil
}

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
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// prune removes rotated siblings whose modification time is past maxAge.
func (w *RotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, m := range matches {
		if !strings.HasPrefix(filepath.Base(m), filepath.Base(w.path)+".") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(m)
	}
}
