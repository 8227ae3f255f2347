package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Binaries holds the absolute paths of the compiled commands
type Binaries struct {
	AgentQ    string
	FakeAgent string
}

// BuildBinaries compiles the agentq and agentq-fakeagent binaries into outputDir.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (*Binaries, error) {
	if projectRoot == "" {
		return nil, fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	bins := &Binaries{
		AgentQ:    filepath.Join(outputDir, "agentq"),
		FakeAgent: filepath.Join(outputDir, "agentq-fakeagent"),
	}

	if err := runGoBuild(ctx, projectRoot, bins.AgentQ, "./cmd/agentq"); err != nil {
		return nil, err
	}
	if err := runGoBuild(ctx, projectRoot, bins.FakeAgent, "./cmd/agentq-fakeagent"); err != nil {
		return nil, err
	}

	return bins, nil
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
