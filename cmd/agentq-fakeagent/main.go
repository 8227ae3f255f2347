// Command agentq-fakeagent is a scripted stand-in for an interactive AI
// coding agent. It prints a ready banner, then answers one command per
// stdin line, optionally pausing for a human answer.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	scriptFile := flag.String("script", "", "Path to a YAML response script (default: built-in rules)")
	readyDelay := flag.Duration("ready-delay", 0, "Delay before printing the ready banner")
	logFile := flag.String("log-file", "", "Write diagnostics to this file (stderr is reserved for agent errors)")
	flag.Parse()

	logOut := io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			os.Stderr.WriteString("fatal: cannot open log file: " + err.Error() + "\n")
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	script := DefaultScript()
	if *scriptFile != "" {
		s, err := LoadScript(*scriptFile)
		if err != nil {
			os.Stderr.WriteString("fatal: " + err.Error() + "\n")
			os.Exit(1)
		}
		script = s
	}

	logger.Info("fake agent starting", "pid", os.Getpid(), "rules", len(script.Rules))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := NewAgent(script, *readyDelay, os.Stdin, os.Stdout, os.Stderr, logger)
	err := agent.Run(ctx)

	var exit *ExitError
	if errors.As(err, &exit) {
		logger.Info("scripted exit", "code", exit.Code)
		os.Exit(exit.Code)
	}
	if err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
	logger.Info("fake agent stopped")
}
