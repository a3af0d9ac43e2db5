package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/safewatchhq/safewatch-agent/internal/config"
	"github.com/spf13/cobra"
)

// buildRoot constructs the root command as main() does, for use in tests.
func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "safewatch-agent",
		Short: "On-device monitoring agent with crisis-resource protection",
	}
	root.AddCommand(runCmd(), drainCmd(), checkCmd(), healthcheckCmd(), versionCmd())
	return root
}

// captureStdout runs fn with os.Stdout redirected and returns what it printed.
func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	oldStdout := os.Stdout
	os.Stdout = w

	execErr := fn()

	w.Close()
	os.Stdout = oldStdout

	if execErr != nil {
		t.Fatalf("command returned error: %v", execErr)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestRootSubcommands(t *testing.T) {
	root := buildRoot()

	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[strings.Fields(cmd.Use)[0]] = true
	}

	for _, want := range []string{"run", "drain", "check", "healthcheck", "version"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	out := captureStdout(t, func() error {
		root := buildRoot()
		root.SetArgs([]string{"version"})
		return root.Execute()
	})
	if !strings.Contains(out, "safewatch-agent") {
		t.Errorf("version output %q does not contain binary name", out)
	}
}

// The check subcommand prints only the boolean, never the normalized domain.
func TestCheckProtectedDomain(t *testing.T) {
	out := captureStdout(t, func() error {
		root := buildRoot()
		root.SetArgs([]string{"check", "https://988lifeline.org/chat"})
		return root.Execute()
	})
	if strings.TrimSpace(out) != "true" {
		t.Errorf("expected bare true, got %q", out)
	}
}

func TestCheckUnprotectedDomain(t *testing.T) {
	out := captureStdout(t, func() error {
		root := buildRoot()
		root.SetArgs([]string{"check", "example.com"})
		return root.Execute()
	})
	if strings.TrimSpace(out) != "false" {
		t.Errorf("expected bare false, got %q", out)
	}
}

// TestRunDaemonMissingConfig verifies runDaemon returns an error (not panics)
// when required configuration is absent.
func TestRunDaemonMissingConfig(t *testing.T) {
	t.Setenv("UPLOAD_URL", "")

	if err := runDaemon(); err == nil {
		t.Fatal("expected runDaemon() to return an error when UPLOAD_URL is missing")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("UPLOAD_URL", "")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected config.Load() to return an error with missing required vars")
	}
	if !strings.Contains(err.Error(), "UPLOAD_URL") {
		t.Errorf("expected error message to mention UPLOAD_URL; got: %v", err)
	}
}
