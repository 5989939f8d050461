package crash

import "strings"

// Funcmod is a (function, module) pair, the unit of crash attribution.
type Funcmod struct {
	Function string
	Module   string
}

// Snapshot is a blacklist snapshot, loaded once per processing run.
// Detection never re-reads the store mid-run; a blacklist edit takes
// effect on the next run.
type Snapshot map[Funcmod]bool

// Contains reports blacklist membership.
func (s Snapshot) Contains(function, module string) bool {
	return s[Funcmod{Function: function, Module: module}]
}

func isUnknown(fn string) bool {
	return fn == "???" || strings.HasPrefix(fn, "? ")
}

// Detect picks the guilty frame of a parsed backtrace. The topmost frame
// is never a candidate. The scan is strictly top-down through the crashing
// thread and prefers, in order: the first non-blacklisted frame with real
// symbols, the first frame without symbols, and as a last resort the last
// frame seen. Returns false only for an empty candidate list.
func Detect(frames []Frame, blacklist Snapshot) (Funcmod, bool) {
	if len(frames) == 0 {
		return Funcmod{}, false
	}

	var firstUnknown, prevFrame *Funcmod
	for _, f := range frames[1:] {
		fm := Funcmod{Function: f.Function, Module: f.Module}

		// Blacklisted pairs are only a last resort. If one ever wins,
		// the blacklist is probably filtering too much.
		if blacklist.Contains(fm.Function, fm.Module) {
			frame := fm
			prevFrame = &frame
			continue
		}

		// Consider the first frame without function symbols only if no
		// frame lower in the stack has real symbols.
		if isUnknown(fm.Function) && firstUnknown == nil {
			frame := fm
			firstUnknown = &frame
			prevFrame = &frame
			continue
		}
		if fm.Function == "???" {
			frame := fm
			prevFrame = &frame
			continue
		}

		// Not blacklisted and has function symbols: best candidate.
		return fm, true
	}

	// No solid candidate in the crashing thread; fall back.
	if firstUnknown != nil {
		return *firstUnknown, true
	}
	if prevFrame != nil {
		return *prevFrame, true
	}
	return Funcmod{}, false
}
