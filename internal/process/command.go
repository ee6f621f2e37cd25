package process

import (
	"os/exec"
	"strings"
)

// buildCommand constructs the *exec.Cmd for a worker. When args are given the
// command is treated as a bare executable. Otherwise the command string is
// split, going through /bin/sh only when shell metacharacters require it or
// an explicit shell invocation is already present (no double-wrapping).
func buildCommand(command string, args []string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if len(args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, args...)
	}
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var rest []string
	if len(parts) > 1 {
		rest = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, rest...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>"
// at the beginning of cmdStr and returns the argument after "-c" verbatim so
// quoting is preserved.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
