// Package oscmd wraps child-process invocations of system utilities behind a
// narrow interface so the proxy and interface controllers can be tested with
// a fake runner. Arguments are always passed as a vector, never through a
// shell.
package oscmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type systemRunner struct{}

// System returns a Runner backed by os/exec.
func System() Runner {
	return systemRunner{}
}

// Run executes the tool and captures its output. A non-zero exit status is
// returned as an error carrying stderr, falling back to stdout when stderr is
// empty.
func (systemRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := stdout.String()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(out)
		}
		if detail == "" {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		return out, fmt.Errorf("%s: %w: %s", name, err, detail)
	}
	return out, nil
}
