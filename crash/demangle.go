package crash

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// DemangleBacktrace rewrites each frame line whose function looks like a
// mangled C++ symbol with its demangled form. The crash probe appends ()
// to function names, so only names ending in () are candidates; the ()
// suffix is stripped before demangling and restored when the symbol turns
// out not to be mangled. Invalid input degrades to leaving the original
// line untouched.
func DemangleBacktrace(bt string) string {
	lines := splitLines(bt)
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		m := frameRegex.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		fn := m[2]

		// A frame with missing symbols is a special case, so skip it.
		if fn == "???" {
			out = append(out, line)
			continue
		}
		if !strings.HasSuffix(fn, "()") {
			// Already demangled, or a kernel crash record.
			out = append(out, line)
			continue
		}
		name := strings.TrimSuffix(fn, "()")

		demangled, err := demangle.ToString(name)
		if err != nil {
			out = append(out, line)
			continue
		}
		if demangled == name {
			// Not a mangled symbol after all; restore the probe's ().
			demangled = name + "()"
		}
		out = append(out, m[1]+demangled+m[3])
	}
	return strings.Join(out, "\n")
}
