// Package store is the directory-backed file store. Uploads are written to
// a temp file first and renamed into place under the store mutex, so a
// successful upload is visible to the very next List and a failed one leaves
// no partial file behind.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"filedrop/model"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidName = errors.New("invalid file name")
)

type Store struct {
	logger zerolog.Logger

	mx        sync.Mutex
	dir       string
	uploaders map[string]string // stored name -> uploader display name
}

func New(logger *zerolog.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create save dir: %w", err)
	}
	return &Store{
		logger:    logger.With().Str("component", "store").Logger(),
		dir:       dir,
		uploaders: make(map[string]string),
	}, nil
}

func (st *Store) Dir() string {
	st.mx.Lock()
	defer st.mx.Unlock()
	return st.dir
}

// SetDir switches the save directory. The uploader index is per-directory
// and starts fresh.
func (st *Store) SetDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create save dir: %w", err)
	}
	st.mx.Lock()
	defer st.mx.Unlock()
	st.dir = dir
	st.uploaders = make(map[string]string)
	st.logger.Info().Str("dir", dir).Msg("save dir changed")
	return nil
}

// List returns the stored files sorted by name, hidden files excluded.
func (st *Store) List() ([]model.FileSummary, error) {
	st.mx.Lock()
	defer st.mx.Unlock()

	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read save dir: %w", err)
	}
	files := make([]model.FileSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, model.FileSummary{Name: entry.Name(), Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})
	return files, nil
}

// Open returns a reader over the named file. The caller closes it.
func (st *Store) Open(name string) (*os.File, model.FileSummary, error) {
	safe, err := safeName(name)
	if err != nil {
		return nil, model.FileSummary{}, ErrNotFound
	}
	st.mx.Lock()
	path := filepath.Join(st.dir, safe)
	st.mx.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.FileSummary{}, ErrNotFound
		}
		return nil, model.FileSummary{}, fmt.Errorf("cannot open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		_ = f.Close()
		return nil, model.FileSummary{}, ErrNotFound
	}
	return f, model.FileSummary{Name: safe, Size: info.Size()}, nil
}

func (st *Store) Delete(name string) error {
	safe, err := safeName(name)
	if err != nil {
		return ErrNotFound
	}
	st.mx.Lock()
	defer st.mx.Unlock()

	path := filepath.Join(st.dir, safe)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ErrNotFound
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("cannot delete file: %w", err)
	}
	delete(st.uploaders, safe)
	st.logger.Info().Str("name", safe).Msg("file deleted")
	return nil
}

// Save persists the stream under a collision-safe variant of declaredName
// and records the uploader. Bytes land in a hidden temp file outside the
// mutex; collision resolution and the rename into place happen under it.
func (st *Store) Save(declaredName, uploader string, r io.Reader) (model.FileSummary, error) {
	safe, err := safeName(declaredName)
	if err != nil {
		safe = "file"
	}

	st.mx.Lock()
	dir := st.dir
	st.mx.Unlock()

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return model.FileSummary{}, fmt.Errorf("cannot create temp file: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return model.FileSummary{}, fmt.Errorf("cannot write file: %w", err)
	}

	st.mx.Lock()
	defer st.mx.Unlock()

	dest := uniquePath(st.dir, safe)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return model.FileSummary{}, fmt.Errorf("cannot finalize file: %w", err)
	}
	stored := filepath.Base(dest)
	if uploader != "" {
		st.uploaders[stored] = uploader
	}
	st.logger.Info().
		Str("name", stored).
		Int64("size", size).
		Str("from", uploader).
		Msg("file stored")
	return model.FileSummary{Name: stored, Size: size}, nil
}

// Uploader returns the recorded uploader display name, if any.
func (st *Store) Uploader(name string) string {
	st.mx.Lock()
	defer st.mx.Unlock()
	return st.uploaders[name]
}

// safeName strips any path component and refuses hidden or empty names.
func safeName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", ErrInvalidName
	}
	if strings.HasPrefix(base, ".") {
		return "", ErrInvalidName
	}
	return base, nil
}

// uniquePath appends " (n)" before the extension until the name is free.
func uniquePath(dir, name string) string {
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, counter, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
