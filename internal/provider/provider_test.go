package provider

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/agentq/internal/protocol"
)

func shellDefinition(name string) Definition {
	return Definition{
		Name:               name,
		Command:            "/bin/sh",
		Args:               []string{"-c", "echo Ready; cat"},
		ReadyPattern:       "Ready",
		CompletionPatterns: []string{`Done\.`},
		ErrorPatterns:      []string{"(?i)fatal"},
	}
}

func TestCompileMatchers(t *testing.T) {
	p, err := Compile(shellDefinition("sh"))
	require.NoError(t, err)

	assert.True(t, p.HasReadyPattern())
	assert.False(t, p.IsReady("starting up"))
	assert.True(t, p.IsReady("Ready\n"))
	assert.True(t, p.MatchesCompletion("all good. Done."))
	assert.False(t, p.MatchesCompletion("Done"))
	assert.True(t, p.MatchesError("FATAL: disk full"))
	assert.False(t, p.MatchesError("warning"))
}

func TestCompileWithoutReadyPatternIsAlwaysReady(t *testing.T) {
	p, err := Compile(Definition{Name: "plain", Command: "cat"})
	require.NoError(t, err)

	assert.False(t, p.HasReadyPattern())
	assert.True(t, p.IsReady(""))
	assert.False(t, p.MatchesCompletion("anything"))
	assert.False(t, p.MatchesError("anything"))
}

func TestCompileRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"missing name", Definition{Command: "cat"}},
		{"missing command", Definition{Name: "x"}},
		{"bad ready pattern", Definition{Name: "x", Command: "cat", ReadyPattern: "("}},
		{"bad completion pattern", Definition{Name: "x", Command: "cat", CompletionPatterns: []string{"[a-"}}},
		{"bad error pattern", Definition{Name: "x", Command: "cat", ErrorPatterns: []string{"*"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, protocol.KindValidation)
		})
	}
}

func TestCompileCopiesDefinition(t *testing.T) {
	def := shellDefinition("sh")
	def.Env = map[string]string{"A": "1"}
	p, err := Compile(def)
	require.NoError(t, err)

	def.Args[0] = "mutated"
	def.Env["A"] = "2"

	assert.Equal(t, "-c", p.Args[0])
	assert.Equal(t, "1", p.Env["A"])
}

func TestRegistryIsImmutable(t *testing.T) {
	r, err := NewRegistry(shellDefinition("sh"))
	require.NoError(t, err)

	err = r.Register(Definition{Name: "sh", Command: "other"})
	assert.ErrorIs(t, err, protocol.KindValidation)

	p, err := r.Get("sh")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", p.Command)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, protocol.KindValidation)
	assert.False(t, r.Has("missing"))
}

func TestRegistryNamesSorted(t *testing.T) {
	r, err := NewRegistry(shellDefinition("b"), shellDefinition("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestLoadFileAndRegisterNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	content := `providers:
  - name: claude
    command: claude
    args: ["--print"]
    ready_pattern: "Ready"
    completion_patterns: ['Done\.']
    tty: true
  - name: sh
    command: /bin/sh
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "claude", defs[0].Name)
	assert.Equal(t, []string{"--print"}, defs[0].Args)
	assert.True(t, defs[0].TTY)

	r, err := NewRegistry(shellDefinition("sh"))
	require.NoError(t, err)

	added, err := r.RegisterNew(defs)
	require.NoError(t, err)
	assert.Equal(t, []string{"claude"}, added)

	p, err := r.Get("sh")
	require.NoError(t, err)
	assert.Equal(t, []string{"-c", "echo Ready; cat"}, p.Args, "existing provider must not be replaced")
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: [\n"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestWatchRegistersAddedProviders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))

	r, err := NewRegistry()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	// Give the watcher time to install
	time.Sleep(200 * time.Millisecond)

	updated := "providers:\n  - name: late\n    command: /bin/cat\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool { return r.Has("late") }, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
