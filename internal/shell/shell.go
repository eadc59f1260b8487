package shell

import (
	"context"
	"os/exec"
	"strings"
)

// metaChars are the characters that force a command through /bin/sh.
const metaChars = "|&;<>*?`$\"'(){}[]~"

// Command constructs an *exec.Cmd for a configured command string.
// Avoids invoking a shell unless obvious shell metacharacters are present (G204 mitigation).
// An empty string yields /bin/true.
func Command(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if NeedsShell(cmdStr) {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// NeedsShell reports whether cmdStr contains shell syntax.
func NeedsShell(cmdStr string) bool {
	return strings.ContainsAny(cmdStr, metaChars)
}
