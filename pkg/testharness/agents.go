package testharness

import (
	"github.com/iambrandonn/agentq/internal/provider"
)

// ScriptedAgent is a /bin/sh agent that prints "Ready", then handles one
// command per line:
//
//	*ask*   prompt "Proceed? (y/n) " without a newline, read the answer, finish
//	*hang*  go silent for 30s
//	*crash* exit with status 3
//	*fail*  print "fatal: boom" on stderr
//	*       echo the command and finish
//
// Finishing prints "Done." on its own line.
const ScriptedAgent = `echo Ready
while IFS= read -r line; do
  case "$line" in
    *ask*) printf 'Proceed? (y/n) '; IFS= read -r ans; echo "got $ans"; echo "Done." ;;
    *hang*) sleep 30 ;;
    *crash*) exit 3 ;;
    *fail*) echo "fatal: boom" >&2 ;;
    *) echo "working on $line"; echo "Done." ;;
  esac
done
`

// ShellProvider returns a provider definition running ScriptedAgent with
// ready pattern /Ready/, completion pattern /Done\./ and error pattern /fatal/
func ShellProvider(name string) provider.Definition {
	return provider.Definition{
		Name:               name,
		Command:            "/bin/sh",
		Args:               []string{"-c", ScriptedAgent},
		ReadyPattern:       "Ready",
		CompletionPatterns: []string{`Done\.`},
		ErrorPatterns:      []string{"fatal"},
	}
}

// Registry returns a provider registry holding the given definitions and
// panics on error; intended for tests
func Registry(defs ...provider.Definition) *provider.Registry {
	r, err := provider.NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}
