// Package crash implements crash attribution: parsing backtrace payloads
// into frames, demangling symbols, and picking the guilty function/module
// pair for each crash through a blacklist-aware fallback policy.
package crash

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/hazyhaar/telemd/collector"
)

// Capture groups of the frame pattern:
// 1 - frame number plus one space
// 2 - function name with optional arguments
// 3 - rest of the line
// 4 - module name (inside the [])
// 5 - optional source file and line number info
var frameRegex = regexp.MustCompile(`^(#\d+ )(.+)( - \[(.*)\](.*))$`)

var (
	programRegex  = regexp.MustCompile(`^Process: (.*)$`)
	pidRegex      = regexp.MustCompile(`^PID: ([0-9]+)$`)
	signalRegex   = regexp.MustCompile(`^Signal: ([0-9]+)$`)
	btHeaderRegex = regexp.MustCompile(`^Backtrace \(TID ([0-9]+)\):$`)
)

// Classifications whose payloads carry a parseable backtrace.
var backtraceClasses = []string{
	"org.clearlinux/crash/clr",
	"org.clearlinux/kernel/bug",
	"org.clearlinux/kernel/stackoverflow",
	"org.clearlinux/kernel/warning",
}

// Crash classifications without a parseable backtrace.
var otherClasses = []string{
	"org.clearlinux/crash/unknown",
	"org.clearlinux/crash/clr-build",
	"org.clearlinux/crash/error",
}

// BacktraceClasses returns the classifications processed by the worker.
func BacktraceClasses() []string {
	return append([]string{}, backtraceClasses...)
}

// AllClasses returns every crash-related classification.
func AllClasses() []string {
	return append(BacktraceClasses(), otherClasses...)
}

// IsCrashClassification reports whether records of this classification
// should be dispatched for crash processing.
func IsCrashClassification(class string) bool {
	for _, c := range backtraceClasses {
		if c == class {
			return true
		}
	}
	return false
}

// Frame is one parsed stack frame.
type Frame struct {
	Function   string
	Module     string
	SourceInfo string
}

// Crash is a parsed backtrace payload.
type Crash struct {
	RecordID int64
	Program  string
	PID      string
	Signal   string
	Frames   []Frame
}

// ParseBacktrace parses a crash payload. Header lines (Process, PID,
// Signal) populate the metadata, first match wins. Only the first
// "Backtrace (TID n):" section is retained; a second one terminates the
// parse, since the crashing thread's backtrace is listed first.
func ParseBacktrace(recordID int64, payload string) Crash {
	c := Crash{RecordID: recordID}
	parsedHeader := false

	for _, line := range splitLines(payload) {
		if m := programRegex.FindStringSubmatch(line); m != nil {
			if c.Program == "" {
				c.Program = m[1]
			}
			continue
		}
		if m := pidRegex.FindStringSubmatch(line); m != nil {
			if c.PID == "" {
				c.PID = m[1]
			}
			continue
		}
		if m := signalRegex.FindStringSubmatch(line); m != nil {
			if c.Signal == "" {
				c.Signal = m[1]
			}
			continue
		}

		if btHeaderRegex.MatchString(line) {
			if parsedHeader {
				break
			}
			parsedHeader = true
			continue
		}

		if m := frameRegex.FindStringSubmatch(line); m != nil {
			c.Frames = append(c.Frames, Frame{
				Function:   m[2],
				Module:     m[4],
				SourceInfo: m[5],
			})
		}
	}
	return c
}

// ExplodeBacktraces parses every matching crash payload in the store,
// for console display of candidate frames.
func ExplodeBacktraces(ctx context.Context, store *collector.Store, classes []string, guiltyID int64, machineID, build string) ([]Crash, error) {
	backtraces, err := store.CrashBacktraces(ctx, classes, guiltyID, machineID, build)
	if err != nil {
		return nil, err
	}
	crashes := make([]Crash, 0, len(backtraces))
	for _, b := range backtraces {
		crashes = append(crashes, ParseBacktrace(b.RecordID, b.Payload))
	}
	return crashes, nil
}

// AllFuncmods enumerates the distinct (function, module) pairs across all
// stored crash backtraces, sorted. The blacklist edit form offers these as
// candidates.
func AllFuncmods(ctx context.Context, store *collector.Store, classes []string) ([]Funcmod, error) {
	backtraces, err := store.CrashBacktraces(ctx, classes, 0, "", "")
	if err != nil {
		return nil, err
	}
	seen := make(map[Funcmod]bool)
	for _, b := range backtraces {
		for _, line := range splitLines(b.Payload) {
			if m := frameRegex.FindStringSubmatch(line); m != nil {
				seen[Funcmod{Function: m[2], Module: m[4]}] = true
			}
		}
	}
	out := make([]Funcmod, 0, len(seen))
	for fm := range seen {
		out = append(out, fm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].Module < out[j].Module
	})
	return out, nil
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
