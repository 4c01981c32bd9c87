package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File is the on-disk session written by the sign-in flow. Either field is
// enough; a user id wins over a token.
type File struct {
	UserID      string `json:"user_id,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

// ReadFile reads a session file.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	return f, nil
}

// WriteFile writes a session file atomically (temp file + rename).
func WriteFile(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Watcher keeps a Session in step with a session file: creating or writing
// the file attaches its user, removing it detaches.
//
// The parent directory is watched rather than the file so the file may be
// created after the watcher starts and replaced by rename.
type Watcher struct {
	session *Session
	path    string
	logger  *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for the session file at path.
// The watcher must be started with Start() before it reacts to changes.
//
// If logger is nil, a default logger writing to stderr is used.
func NewWatcher(s *Session, path string, logger *log.Logger) (*Watcher, error) {
	if s == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if path == "" {
		return nil, fmt.Errorf("session file path cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		session: s,
		path:    abs,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}, nil
}

// Start applies the current file contents and begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}

	w.apply()

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.apply()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("WARNING: watcher error: %v", err)
		}
	}
}

// apply attaches or detaches according to the file. A malformed file is
// logged and leaves the session as it was.
func (w *Watcher) apply() {
	f, err := ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		if _, ok := w.session.UserID(); ok {
			w.logger.Printf("Session file removed, detaching")
		}
		w.session.Detach()
		return
	}
	if err != nil {
		w.logger.Printf("WARNING: %v", err)
		return
	}

	if err := w.session.Apply(f); err != nil {
		w.logger.Printf("WARNING: failed to attach session: %v", err)
	}
}

// Apply attaches the user named by f, or detaches when f names nobody.
func (s *Session) Apply(f File) error {
	switch {
	case f.UserID != "":
		return s.Attach(f.UserID)
	case f.AccessToken != "":
		_, err := s.AttachToken(f.AccessToken)
		return err
	}
	s.Detach()
	return nil
}
