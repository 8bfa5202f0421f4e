package deckguard

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LockFS is the filesystem surface the lock registry needs. CreateExclusive
// must fail with an error matching fs.ErrExist when name already exists.
type LockFS interface {
	CreateExclusive(name string, data []byte) error
	ReadFile(name string) ([]byte, error)
	ModTime(name string) (time.Time, error)
	Remove(name string) error
	// Watch signals on the returned channel when name may have been removed.
	// stop releases the watch.
	Watch(name string) (changed <-chan struct{}, stop func(), err error)
}

// OSLockFS is the LockFS backed by the local filesystem.
type OSLockFS struct{}

func (OSLockFS) CreateExclusive(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return err
	}
	return f.Close()
}

func (OSLockFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (OSLockFS) ModTime(name string) (time.Time, error) {
	info, err := os.Stat(name)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (OSLockFS) Remove(name string) error {
	err := os.Remove(name)
	if err != nil && os.IsNotExist(err) {
		return fs.ErrNotExist
	}
	return err
}

func (OSLockFS) Watch(name string) (<-chan struct{}, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := w.Add(filepath.Dir(name)); err != nil {
		_ = w.Close()
		return nil, nil, err
	}
	changed := make(chan struct{}, 1)
	target := filepath.Clean(name)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					select {
					case changed <- struct{}{}:
					default:
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return changed, func() { _ = w.Close() }, nil
}
