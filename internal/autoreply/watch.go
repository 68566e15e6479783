package autoreply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LoadRulesFile reads an ordered rule list from a JSON file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return rules, nil
}

// Watch reloads the matcher's rules whenever the rules file changes.
// Blocks until ctx is done; meant to run as a goroutine. A reload that fails
// to parse keeps the previous rule set.
func Watch(ctx context.Context, path string, m *Matcher) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files via rename,
	// which would drop a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch rules dir: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadRulesFile(path)
			if err != nil {
				slog.Warn("auto-reply rules reload failed, keeping previous rules",
					"path", path, "error", err)
				continue
			}
			m.SetRules(rules)
			slog.Info("auto-reply rules reloaded", "path", path, "rules", len(rules))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("auto-reply rules watcher error", "error", err)
		}
	}
}
