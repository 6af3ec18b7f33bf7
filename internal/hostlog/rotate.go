package hostlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// rotatingWriter implements the log directory policy from spec.md §6: files
// rotate at maxFileBytes with maxGenerations kept, and the whole directory is
// capped at maxDirBytes by evicting the oldest generation first.
type rotatingWriter struct {
	mu             sync.Mutex
	dir            string
	base           string
	maxFileBytes   int64
	maxGenerations int
	maxDirBytes    int64

	f    *os.File
	size int64
}

func newRotatingWriter(dir string, maxFileBytes int64, maxGenerations int, maxDirBytes int64) (*rotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &rotatingWriter{
		dir:            dir,
		base:           "midterm.log",
		maxFileBytes:   maxFileBytes,
		maxGenerations: maxGenerations,
		maxDirBytes:    maxDirBytes,
	}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) currentPath() string {
	return filepath.Join(w.dir, w.base)
}

func (w *rotatingWriter) openCurrent() error {
	f, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.f = f
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxFileBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) rotate() error {
	if w.f != nil {
		w.f.Close()
	}
	for gen := w.maxGenerations - 1; gen >= 1; gen-- {
		src := w.generationPath(gen)
		dst := w.generationPath(gen + 1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if _, err := os.Stat(w.currentPath()); err == nil {
		os.Rename(w.currentPath(), w.generationPath(1))
	}
	// Drop any generation beyond the configured cap.
	os.Remove(w.generationPath(w.maxGenerations + 1))

	if err := w.enforceDirCap(); err != nil {
		return err
	}
	return w.openCurrent()
}

func (w *rotatingWriter) generationPath(gen int) string {
	if gen == 0 {
		return w.currentPath()
	}
	return filepath.Join(w.dir, fmt.Sprintf("%s.%d", w.base, gen))
}

// enforceDirCap evicts the oldest generation files until the directory's
// total log size is under maxDirBytes.
func (w *rotatingWriter) enforceDirCap() error {
	if w.maxDirBytes <= 0 {
		return nil
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil
	}
	type fileInfo struct {
		path string
		size int64
		gen  int
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		files = append(files, fileInfo{path: filepath.Join(w.dir, e.Name()), size: info.Size()})
	}
	if total <= w.maxDirBytes {
		return nil
	}
	// Oldest-first: sort by generation suffix descending (higher gen = older),
	// current file (no suffix) is always newest so it's never evicted here.
	sort.Slice(files, func(i, j int) bool { return files[i].path > files[j].path })
	for _, fi := range files {
		if total <= w.maxDirBytes {
			break
		}
		if fi.path == w.currentPath() {
			continue
		}
		if err := os.Remove(fi.path); err == nil {
			total -= fi.size
		}
	}
	return nil
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		return w.f.Close()
	}
	return nil
}
