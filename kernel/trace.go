package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Custom slog levels: a level dedicated to per-cycle kernel traces, one
// step above LevelInfo, so slog's default handler prints it. Trace calls
// are off by default because EnableTrace starts false.
const (
	LevelTrace slog.Level = slog.LevelInfo + 1
)

// EnableTrace gates Trace calls; tests flip it on when debugging a specific
// scenario rather than always paying the formatting cost.
var EnableTrace = false

var titleCaser = cases.Title(language.English)

// TitleCase renders state/result names for dumps, e.g. "stalled" -> "Stalled".
func TitleCase(s string) string {
	return titleCaser.String(s)
}

// Trace emits a per-cycle diagnostic line at LevelTrace.
func Trace(msg string, args ...any) {
	if !EnableTrace {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, args...)
}

// DeadlockThreshold is the number of consecutive FAILED cycles a process
// may accumulate before the kernel considers it a candidate for the
// deadlock diagnostic dump.
const DeadlockThreshold = 64

// DumpProcessStates renders a table of every process's name, state, and
// consecutive-FAILED count, as a go-pretty table.
func DumpProcessStates(entries []ProcessDumpEntry) string {
	t := table.NewWriter()
	t.SetTitle("Process States")
	t.AppendHeader(table.Row{"Process", "State", "Consecutive FAILED"})
	for _, e := range entries {
		t.AppendRow(table.Row{e.Name, TitleCase(e.State.String()), e.ConsecutiveFailed})
	}
	return t.Render()
}

// ProcessDumpEntry is one row of a process-state diagnostic dump.
type ProcessDumpEntry struct {
	Name              string
	State             State
	ConsecutiveFailed int
}

// FormatStall renders a one-line stall summary for logs.
func FormatStall(cycle uint64, stalled, idle, total int) string {
	return fmt.Sprintf("cycle=%d stalled=%d idle=%d total=%d", cycle, stalled, idle, total)
}
