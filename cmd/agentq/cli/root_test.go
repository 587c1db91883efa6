package cli

import (
	"fmt"
	"testing"
)

func TestRootCmdVersionIncludesCommitAndDate(t *testing.T) {
	want := fmt.Sprintf("%s (%s, %s)", version, commit, date)
	if got := rootCmd.Version; got != want {
		t.Fatalf("rootCmd.Version = %q, want %q", got, want)
	}
}

func TestRootCmdRegistersCommands(t *testing.T) {
	want := []string{"serve", "stop", "session", "enqueue", "cancel", "status", "list", "show", "cleanup", "watch", "notify", "paths"}
	registered := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Fatalf("expected %q command to be registered", name)
		}
	}
}
