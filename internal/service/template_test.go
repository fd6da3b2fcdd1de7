package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]any
		want     string
	}{
		{"substitutes a variable", "Hola {{name}}", map[string]any{"name": "Ana"}, "Hola Ana"},
		{"leaves unknown placeholders intact", "Hola {{name}}", map[string]any{}, "Hola {{name}}"},
		{"nil renders empty", "Hola {{name}}!", map[string]any{"name": nil}, "Hola !"},
		{"replaces every occurrence", "{{a}}-{{a}}", map[string]any{"a": "x"}, "x-x"},
		{"tolerates inner spaces", "Turno {{ date }}", map[string]any{"date": "12/11"}, "Turno 12/11"},
		{"formats non strings", "Sesión {{n}}", map[string]any{"n": 3}, "Sesión 3"},
		{"does not expand recursively", "{{a}}", map[string]any{"a": "{{b}}", "b": "no"}, "{{b}}"},
		{"nil map keeps template", "Hola {{name}}", nil, "Hola {{name}}"},
		{"non-ASCII key", "Turno {{año}}", map[string]any{"año": "2025"}, "Turno 2025"},
		{"key with inner space", "Hola {{ nombre paciente }}", map[string]any{"nombre paciente": "Ana"}, "Hola Ana"},
		{"unknown non-ASCII key kept", "Turno {{año}}", map[string]any{}, "Turno {{año}}"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.template, tc.vars))
		})
	}
}

func TestTemplateCatalog(t *testing.T) {
	t.Run("built-in templates without a file", func(t *testing.T) {
		c, err := NewTemplateCatalog("")
		require.NoError(t, err)

		tmpl, ok := c.Lookup("appointment_reminder")
		require.True(t, ok)
		assert.Equal(t, "appointment_reminder", tmpl.Name)
		assert.Contains(t, tmpl.Body, "{{name}}")
		assert.Len(t, c.List(), 3)
	})

	t.Run("loads templates from yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "templates.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
templates:
  reminder:
    description: test
    body: "Hola {{name}}"
`), 0o600))

		c, err := NewTemplateCatalog(path)
		require.NoError(t, err)

		tmpl, ok := c.Lookup("reminder")
		require.True(t, ok)
		assert.Equal(t, "Hola {{name}}", tmpl.Body)

		_, ok = c.Lookup("appointment_reminder")
		assert.False(t, ok)
	})

	t.Run("rejects empty bodies", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "templates.yaml")
		require.NoError(t, os.WriteFile(path, []byte("templates:\n  x:\n    body: \"\"\n"), 0o600))

		_, err := NewTemplateCatalog(path)
		assert.Error(t, err)
	})

	t.Run("reloads on file change", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "templates.yaml")
		require.NoError(t, os.WriteFile(path, []byte("templates:\n  a:\n    body: \"one\"\n"), 0o600))

		c, err := NewTemplateCatalog(path)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.NoError(t, c.Watch(ctx))

		require.NoError(t, os.WriteFile(path, []byte("templates:\n  a:\n    body: \"two\"\n"), 0o600))

		assert.Eventually(t, func() bool {
			tmpl, ok := c.Lookup("a")
			return ok && tmpl.Body == "two"
		}, 2*time.Second, 20*time.Millisecond)
	})
}
