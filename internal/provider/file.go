package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const watchDebounce = 250 * time.Millisecond

// File is the on-disk layout of a providers file
type File struct {
	Providers []Definition `yaml:"providers"`
}

// LoadFile parses a providers YAML file
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}
	return f.Providers, nil
}

// RegisterNew adds every definition whose name is not yet registered and
// returns the names added. Existing providers are left untouched.
func (r *Registry) RegisterNew(defs []Definition) ([]string, error) {
	var added []string
	var errs []error
	for _, def := range defs {
		if r.Has(def.Name) {
			continue
		}
		if err := r.Register(def); err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, def.Name)
	}
	return added, errors.Join(errs...)
}

// Watch reloads path whenever it changes and registers providers that were
// added to it. It blocks until ctx is cancelled. The parent directory is
// watched so atomic replace-by-rename is observed.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve providers file: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch providers directory: %w", err)
	}

	logger.Info("watching providers file", "path", abs)

	reload := func() {
		defs, err := LoadFile(abs)
		if err != nil {
			logger.Warn("providers file reload failed", "path", abs, "error", err)
			return
		}
		added, err := r.RegisterNew(defs)
		if err != nil {
			logger.Warn("invalid provider in providers file", "path", abs, "error", err)
		}
		if len(added) > 0 {
			logger.Info("providers registered", "names", added)
		}
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("providers file watcher error", "error", err)
		}
	}
}
