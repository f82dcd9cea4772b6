package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces.
const DefaultWatchDebounce = 500 * time.Millisecond

// WatchDevices reloads the inventory whenever path changes and hands every
// successfully parsed result to onChange. A file that fails to parse is
// logged and ignored, leaving the running inventory in place. It blocks
// until ctx is canceled.
func WatchDevices(
	ctx context.Context,
	path string,
	debounce time.Duration,
	logger zerolog.Logger,
	onChange func([]*domain.Device),
) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	logger = logger.With().Str("component", "devices-watcher").Str("path", path).Logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so replacing the file (rename over it) is seen.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger.Info().Msg("Watching device inventory for changes")

	reload := func() {
		devices, err := LoadDevices(abs)
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring unreadable device inventory")
			return
		}
		logger.Info().Int("count", len(devices)).Msg("Device inventory reloaded")
		onChange(devices)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Watcher error")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
