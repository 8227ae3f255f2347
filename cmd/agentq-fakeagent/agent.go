package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Script maps command substrings to scripted behaviour. The first rule
// whose Match is contained in the command wins; an empty Match always
// matches.
type Script struct {
	Banner string `yaml:"banner"`
	Rules  []Rule `yaml:"rules"`
}

// Rule is one scripted response
type Rule struct {
	Match   string   `yaml:"match"`
	DelayMs int      `yaml:"delay_ms,omitempty"`
	Reply   []string `yaml:"reply,omitempty"`
	// Ask is printed without a newline, then one answer line is read
	Ask   string `yaml:"ask,omitempty"`
	Error string `yaml:"error,omitempty"`
	// HangS keeps the agent silent without finishing
	HangS int  `yaml:"hang_s,omitempty"`
	Exit  *int `yaml:"exit,omitempty"`
	// NoDone suppresses the completion line
	NoDone bool `yaml:"no_done,omitempty"`
}

const doneLine = "Done."

// DefaultScript behaves like the shell agent used in tests
func DefaultScript() *Script {
	crash := 3
	return &Script{
		Banner: "Ready",
		Rules: []Rule{
			{Match: "ask", Ask: "Proceed? (y/n) ", Reply: []string{"got {{answer}}"}},
			{Match: "choose", Ask: "Select an option [1] fast [2] thorough: ", Reply: []string{"picked {{answer}}"}},
			{Match: "hang", HangS: 30, NoDone: true},
			{Match: "crash", Exit: &crash},
			{Match: "fail", Error: "fatal: boom", NoDone: true},
			{Match: "", Reply: []string{"working on {{command}}"}},
		},
	}
}

// LoadScript reads a YAML script file
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script file: %w", err)
	}

	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	if script.Banner == "" {
		script.Banner = "Ready"
	}
	return &script, nil
}

// ExitError carries a scripted exit status out of Run
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return fmt.Sprintf("scripted exit %d", e.Code) }

// Agent is a line-oriented interactive agent: one command per input line
type Agent struct {
	script     *Script
	readyDelay time.Duration
	logger     *slog.Logger

	in  *bufio.Scanner
	out io.Writer
	err io.Writer
}

// NewAgent creates an agent reading commands from in
func NewAgent(script *Script, readyDelay time.Duration, in io.Reader, out, errOut io.Writer, logger *slog.Logger) *Agent {
	return &Agent{
		script:     script,
		readyDelay: readyDelay,
		logger:     logger,
		in:         bufio.NewScanner(in),
		out:        out,
		err:        errOut,
	}
}

// Run prints the banner and serves commands until EOF or ctx is done
func (a *Agent) Run(ctx context.Context) error {
	if !sleep(ctx, a.readyDelay) {
		return nil
	}
	fmt.Fprintln(a.out, a.script.Banner)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for a.in.Scan() {
			lines <- a.in.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				a.logger.Info("stdin closed")
				return nil
			}
			command := strings.TrimSpace(line)
			if command == "" {
				continue
			}
			if err := a.handle(ctx, command, lines); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, command string, lines <-chan string) error {
	rule := a.match(command)
	a.logger.Info("command received", "command", command, "rule", rule.Match)

	if !sleep(ctx, time.Duration(rule.DelayMs)*time.Millisecond) {
		return nil
	}
	if rule.Exit != nil {
		return &ExitError{Code: *rule.Exit}
	}
	if rule.Error != "" {
		fmt.Fprintln(a.err, rule.Error)
	}
	if rule.HangS > 0 && !sleep(ctx, time.Duration(rule.HangS)*time.Second) {
		return nil
	}

	var answer string
	if rule.Ask != "" {
		fmt.Fprint(a.out, rule.Ask)
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			answer = strings.TrimSpace(line)
		}
	}

	r := strings.NewReplacer("{{command}}", command, "{{answer}}", answer)
	for _, reply := range rule.Reply {
		fmt.Fprintln(a.out, r.Replace(reply))
	}
	if !rule.NoDone {
		fmt.Fprintln(a.out, doneLine)
	}
	return nil
}

func (a *Agent) match(command string) Rule {
	for _, rule := range a.script.Rules {
		if strings.Contains(command, rule.Match) {
			return rule
		}
	}
	return Rule{Reply: []string{"working on {{command}}"}}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
