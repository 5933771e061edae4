package oscmd

import (
	"context"
	"strings"
	"testing"
)

func TestRunCapturesStdout(t *testing.T) {
	out, err := System().Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run(echo) error: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("Run(echo) = %q, want hello", out)
	}
}

func TestRunNonZeroExitCarriesStderr(t *testing.T) {
	_, err := System().Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	if err == nil {
		t.Fatal("Run should fail on non-zero exit")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Errorf("error %q should carry stderr detail", err)
	}
}

func TestRunNonZeroExitFallsBackToStdout(t *testing.T) {
	_, err := System().Run(context.Background(), "sh", "-c", "echo only-stdout; exit 1")
	if err == nil {
		t.Fatal("Run should fail on non-zero exit")
	}
	if !strings.Contains(err.Error(), "only-stdout") {
		t.Errorf("error %q should fall back to stdout detail", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := System().Run(context.Background(), "definitely-not-a-real-tool-xyz")
	if err == nil {
		t.Fatal("Run should fail for a missing binary")
	}
}
