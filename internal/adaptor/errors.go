package adaptor

import (
	"fmt"
	"strings"

	"github.com/hepio/xrdfed/internal/xrdcl"
)

// FileOpenError reports a fatal open failure: the initial open exhausted its
// retries, a recovery open failed or timed out, or the redirector handed
// back an excluded server. It carries the full connection context so the
// failure can be diagnosed without correlating logs.
type FileOpenError struct {
	Op              string
	Name            string
	Flags           xrdcl.OpenFlags
	Perms           xrdcl.Access
	Status          xrdcl.Status
	Reason          string
	OldSource       string
	NewSource       string
	CurrentServer   string
	ActiveSources   []string
	DisabledSources []string
	Info            []string
}

func (e *FileOpenError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(name='%s', flags=0x%x, permissions=0%o", e.Op, e.Name, uint16(e.Flags), uint16(e.Perms))
	if e.OldSource != "" {
		fmt.Fprintf(&b, ", old source=%s", e.OldSource)
	}
	if e.NewSource != "" {
		fmt.Fprintf(&b, ", new source=%s", e.NewSource)
	}
	if e.CurrentServer != "" {
		fmt.Fprintf(&b, ", current server=%s", e.CurrentServer)
	}
	fmt.Fprintf(&b, ")")
	if e.Reason != "" {
		fmt.Fprintf(&b, " => %s", e.Reason)
	} else if !e.Status.IsOK() {
		fmt.Fprintf(&b, " => error '%s'", e.Status)
	}
	appendConnections(&b, e.ActiveSources, e.DisabledSources)
	for _, info := range e.Info {
		fmt.Fprintf(&b, "; %s", info)
	}
	return b.String()
}

// FileReadError reports a fatal read failure that is not retried: the server
// returned an invalid response, or no active source was available to serve
// the read.
type FileReadError struct {
	Op              string
	Name            string
	Flags           xrdcl.OpenFlags
	Perms           xrdcl.Access
	Status          xrdcl.Status
	Reason          string
	OldSource       string
	ActiveSources   []string
	DisabledSources []string
}

func (e *FileReadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(name='%s', flags=0x%x, permissions=0%o", e.Op, e.Name, uint16(e.Flags), uint16(e.Perms))
	if e.OldSource != "" {
		fmt.Fprintf(&b, ", old source=%s", e.OldSource)
	}
	fmt.Fprintf(&b, ")")
	if e.Reason != "" {
		fmt.Fprintf(&b, " => %s", e.Reason)
	} else if !e.Status.IsOK() {
		fmt.Fprintf(&b, " => error '%s'", e.Status)
	}
	appendConnections(&b, e.ActiveSources, e.DisabledSources)
	return b.String()
}

func appendConnections(b *strings.Builder, active, disabled []string) {
	for _, s := range active {
		fmt.Fprintf(b, "; active source: %s", s)
	}
	for _, s := range disabled {
		fmt.Fprintf(b, "; disabled source: %s", s)
	}
}
