package config

import (
	"log"
	"path/filepath"
	"sync"

	"council/internal/models"

	"github.com/fsnotify/fsnotify"
)

// CouncilConfigStore holds the live council configuration and reloads it
// when the backing JSON file changes on disk.
type CouncilConfigStore struct {
	mu       sync.RWMutex
	filePath string
	current  models.CouncilConfig
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewCouncilConfigStore loads the initial configuration from filePath
func NewCouncilConfigStore(filePath string) (*CouncilConfigStore, error) {
	cfg, err := LoadCouncilConfig(filePath)
	if err != nil {
		return nil, err
	}
	return &CouncilConfigStore{
		filePath: filePath,
		current:  cfg,
		done:     make(chan struct{}),
	}, nil
}

// Get returns a copy of the current configuration
func (s *CouncilConfigStore) Get() models.CouncilConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update replaces the configuration and persists it to disk
func (s *CouncilConfigStore) Update(cfg models.CouncilConfig) error {
	cfg.Normalize()
	if err := SaveCouncilConfig(s.filePath, cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	log.Printf("[CONFIG] Council config updated (%d members, chairman=%s, strategy=%s)",
		len(cfg.CouncilModels), cfg.ChairmanModel, cfg.ConsensusStrategy)
	return nil
}

// Watch starts a filesystem watcher on the config file. Edits made
// outside the API (a text editor, a deploy) are picked up live.
func (s *CouncilConfigStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory: editors replace files instead of writing in place
	dir := filepath.Dir(s.filePath)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.filePath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadCouncilConfig(s.filePath)
				if err != nil {
					log.Printf("[CONFIG] Reload failed, keeping previous config: %v", err)
					continue
				}
				s.mu.Lock()
				s.current = cfg
				s.mu.Unlock()
				log.Printf("[CONFIG] Council config reloaded from %s", s.filePath)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[CONFIG] Watcher error: %v", err)
			}
		}
	}()

	log.Printf("[CONFIG] Watching %s for changes", s.filePath)
	return nil
}

// Close stops the watcher
func (s *CouncilConfigStore) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}
