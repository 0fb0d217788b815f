// Copyright 2025 Nocturne Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	keyLoadMaxAttempts = 10
	keyLoadBaseDelay   = 500 * time.Millisecond
	keyLoadMaxDelay    = 30 * time.Second
)

// LoadInternalKey reads the shared internal API key, retrying with
// exponential backoff. The gateway writes the key on first boot, so a fresh
// deployment may race agent startup.
func LoadInternalKey(path string) (string, error) {
	return loadInternalKey(path, keyLoadMaxAttempts, keyLoadBaseDelay)
}

func loadInternalKey(path string, maxAttempts int, baseDelay time.Duration) (string, error) {
	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			key := strings.TrimSpace(string(data))
			if key != "" {
				slog.Debug("loaded internal API key", "attempt", attempt)
				return key, nil
			}
			slog.Warn("internal API key file is empty", "attempt", attempt, "max", maxAttempts)
		} else {
			slog.Warn("could not read internal API key", "attempt", attempt, "max", maxAttempts, "error", err)
		}

		if attempt < maxAttempts {
			time.Sleep(delay)
			delay = min(delay*2, keyLoadMaxDelay)
		}
	}

	return "", fmt.Errorf("failed to load internal API key from %s after %d attempts", path, maxAttempts)
}

// WatchInternalKey watches the key file and calls onChange with the new key
// whenever the gateway rewrites it. The reactive reload-on-401 path in the
// client remains authoritative; this just shortens the window of failed
// requests after a rotation. Blocks until stop is closed.
func WatchInternalKey(path string, onChange func(string), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create key watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the gateway replaces the file atomically, which
	// makes a watch on the file itself go stale after the first rotation.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("key file changed but could not be read", "error", err)
				continue
			}
			key := strings.TrimSpace(string(data))
			if key == "" {
				continue
			}
			slog.Info("internal API key rotated, reloading")
			onChange(key)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("key watcher error", "error", err)

		case <-stop:
			return nil
		}
	}
}
