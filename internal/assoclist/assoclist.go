// Package assoclist lists the wireless clients associated with a
// Broadcom-based access point by running "wl assoclist" over SSH.
package assoclist

import (
	"context"
	"fmt"
	"strings"
)

// linePrefix precedes every MAC address in wl assoclist output.
const linePrefix = "assoclist "

// BuildCommand returns the shell command that lists associated clients
// on every interface. With no interfaces the access point's default
// interface is queried.
func BuildCommand(interfaces []string) string {
	if len(interfaces) == 0 {
		return "wl assoclist"
	}
	commands := make([]string, len(interfaces))
	for i, iface := range interfaces {
		commands[i] = fmt.Sprintf("wl -a %s assoclist", iface)
	}
	return strings.Join(commands, " && ")
}

// Parse extracts client identifiers from wl assoclist output. Blank
// lines are skipped; no canonicalization is applied.
func Parse(output string) []string {
	var macs []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), linePrefix))
		if line == "" {
			continue
		}
		macs = append(macs, line)
	}
	return macs
}

// Executor runs a command on the access point and returns its standard
// output.
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
}

// Lister produces one snapshot of associated clients per call.
type Lister struct {
	exec    Executor
	command string
}

// NewLister creates a Lister for the given interfaces. The command is
// built once here and reused for every poll.
func NewLister(exec Executor, interfaces []string) *Lister {
	return &Lister{exec: exec, command: BuildCommand(interfaces)}
}

// Command returns the command run on every poll.
func (l *Lister) Command() string {
	return l.command
}

// ListDevices runs the assoclist command and returns the raw client
// identifiers it printed.
func (l *Lister) ListDevices(ctx context.Context) ([]string, error) {
	out, err := l.exec.Run(ctx, l.command)
	if err != nil {
		return nil, fmt.Errorf("list associated clients: %w", err)
	}
	return Parse(out), nil
}
