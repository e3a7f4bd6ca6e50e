package cfg

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"pastelite/svc/util"
)

// loader resolves a key from the environment first, then from the YAML file.
// File keys are the lower-cased variable names, e.g. log_level: debug.
type loader struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		key := strings.ToLower(strings.TrimSpace(k))
		switch val := v.(type) {
		case nil:
			continue
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		case map[string]interface{}:
			return nil, fmt.Errorf("config file key %q must be a scalar or list", k)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func (l *loader) get(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if v, ok := l.file[strings.ToLower(key)]; ok {
		return v
	}
	return fallback
}
func (l *loader) getBool(key string, fallback bool) bool {
	s := strings.ToLower(l.get(key, ""))
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}
func (l *loader) getInt(key string, fallback int) (int, error) {
	s := l.get(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func (l *loader) getInt64(key string, fallback int64) (int64, error) {
	s := l.get(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func (l *loader) getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := l.get(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func (l *loader) getSlice(key string, fallback []string) []string {
	s := l.get(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Watch reloads the config whenever path is written and passes the result
// to onChange. A reload that fails to parse or validate keeps the old config.
// It blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Cfg)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return errors.Wrap(err, "watch config file")
	}
	util.Info().Str("path", path).Msg("watching config file")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// editors often save by rename, which shows up as Create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			c, err := Load()
			if err == nil {
				err = Validate(c)
			}
			if err != nil {
				util.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping previous config")
				continue
			}
			util.Info().Str("path", path).Msg("config reloaded")
			onChange(c)
			_ = watcher.Add(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			util.Warn().Err(err).Msg("config watcher error")
		}
	}
}
