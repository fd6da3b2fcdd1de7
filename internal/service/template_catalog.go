package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Template struct {
	Name        string `yaml:"-" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Body        string `yaml:"body" json:"body"`
}

type templateFile struct {
	Templates map[string]Template `yaml:"templates"`
}

var defaultTemplates = map[string]Template{
	"appointment_reminder": {
		Description: "Sent ahead of a scheduled session",
		Body:        "Hola {{name}}, te recordamos tu turno el {{date}} a las {{time}}. Si no podés asistir, avisanos respondiendo este mensaje.",
	},
	"appointment_confirmation": {
		Description: "Sent when a session is booked",
		Body:        "Hola {{name}}, tu turno quedó confirmado para el {{date}} a las {{time}}.",
	},
	"appointment_cancellation": {
		Description: "Sent when a session is cancelled",
		Body:        "Hola {{name}}, tu turno del {{date}} a las {{time}} fue cancelado.",
	},
}

// TemplateCatalog holds named message templates. When backed by a file it
// can follow edits to that file.
type TemplateCatalog struct {
	path string

	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateCatalog loads path, or the built-in templates when path is empty.
func NewTemplateCatalog(path string) (*TemplateCatalog, error) {
	c := &TemplateCatalog{path: path, templates: withNames(defaultTemplates)}
	if path == "" {
		return c, nil
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *TemplateCatalog) Lookup(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

func (c *TemplateCatalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload re-reads the backing file. On error the previous templates stay.
func (c *TemplateCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	if len(file.Templates) == 0 {
		return fmt.Errorf("no templates defined in %s", c.path)
	}
	for name, t := range file.Templates {
		if t.Body == "" {
			return fmt.Errorf("template %q has an empty body", name)
		}
	}

	c.mu.Lock()
	c.templates = withNames(file.Templates)
	c.mu.Unlock()

	log.Info().Str("path", c.path).Int("count", len(file.Templates)).Msg("message templates loaded")
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The directory is watched so editors that replace the file are followed.
func (c *TemplateCatalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.path, err)
	}

	target := filepath.Clean(c.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := c.Reload(); err != nil {
					log.Warn().Err(err).Str("path", c.path).Msg("template reload failed, keeping previous templates")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("template watcher error")
			}
		}
	}()
	return nil
}

func withNames(in map[string]Template) map[string]Template {
	out := make(map[string]Template, len(in))
	for name, t := range in {
		t.Name = name
		out[name] = t
	}
	return out
}
