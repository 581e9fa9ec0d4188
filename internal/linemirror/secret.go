package linemirror

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SecretSource yields the current webhook signing secret. An empty string
// means no secret is provisioned.
type SecretSource interface {
	Secret() string
}

type StaticSecret string

func (s StaticSecret) Secret() string {
	return strings.TrimSpace(string(s))
}

// FileSecret reads the secret from a file and reloads it when the file is
// rewritten or replaced, as mounted secrets are on rotation.
type FileSecret struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current string

	done      chan struct{}
	closeOnce sync.Once
	reloaded  chan struct{}
}

func NewFileSecret(path string, logger *slog.Logger) (*FileSecret, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileSecret{
		path:     filepath.Clean(path),
		logger:   logger,
		done:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch webhook secret: %w", err)
	}
	// Watch the directory: rotations usually replace the file rather than write it.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch webhook secret: %w", err)
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileSecret) Secret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *FileSecret) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	return err
}

func (s *FileSecret) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read webhook secret: %w", err)
	}
	s.mu.Lock()
	s.current = strings.TrimSpace(string(data))
	s.mu.Unlock()
	return nil
}

// kubernetesDataDir is the symlink a mounted secret volume swaps on rotation;
// the secret file itself is a link through it and sees no event.
const kubernetesDataDir = "..data"

func (s *FileSecret) affects(name string) bool {
	name = filepath.Clean(name)
	return name == s.path || name == filepath.Join(filepath.Dir(s.path), kubernetesDataDir)
}

func (s *FileSecret) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !s.affects(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.load(); err != nil {
				// Keep serving the previous secret until the file is back.
				if !errors.Is(err, os.ErrNotExist) {
					s.logger.Warn("reload webhook secret", "path", s.path, "error", err)
				}
				continue
			}
			s.logger.Info("webhook secret reloaded", "path", s.path)
			select {
			case s.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("webhook secret watcher", "error", err)
		}
	}
}
