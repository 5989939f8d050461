package crash

import "testing"

func frame(fn, mod string) Frame {
	return Frame{Function: fn, Module: mod}
}

func TestDetectFirstRealSymbolWins(t *testing.T) {
	blacklist := Snapshot{
		{Function: "raise()", Module: "libc.so.6"}: true,
	}
	frames := []Frame{
		frame("crash_now()", "/usr/bin/x"), // index 0, never a candidate
		frame("raise()", "libc.so.6"),      // blacklisted
		frame("???", "/usr/bin/x"),         // unknown
		frame("real_fn()", "/usr/bin/x"),
	}
	fm, ok := Detect(frames, blacklist)
	if !ok || fm.Function != "real_fn()" {
		t.Errorf("Detect = %+v, %v; want real_fn()", fm, ok)
	}
}

func TestDetectFirstUnknownFallback(t *testing.T) {
	blacklist := Snapshot{
		{Function: "raise()", Module: "libc.so.6"}: true,
	}
	frames := []Frame{
		frame("crash_now()", "/usr/bin/x"),
		frame("raise()", "libc.so.6"),
		frame("???", "/usr/bin/x"),
	}
	fm, ok := Detect(frames, blacklist)
	if !ok || fm.Function != "???" || fm.Module != "/usr/bin/x" {
		t.Errorf("Detect = %+v, %v; want the unknown frame", fm, ok)
	}
}

func TestDetectAllBlacklistedLastResort(t *testing.T) {
	blacklist := Snapshot{
		{Function: "bl_one()", Module: "m"}: true,
		{Function: "bl_two()", Module: "m"}: true,
	}
	frames := []Frame{
		frame("crash_now()", "m"),
		frame("bl_one()", "m"),
		frame("bl_two()", "m"),
	}
	fm, ok := Detect(frames, blacklist)
	if !ok || fm.Function != "bl_two()" {
		t.Errorf("Detect = %+v, %v; want last blacklisted frame", fm, ok)
	}
}

func TestDetectEmptyFrames(t *testing.T) {
	if _, ok := Detect(nil, Snapshot{}); ok {
		t.Error("empty frame list produced a match")
	}
	// A lone topmost frame is never a candidate.
	if _, ok := Detect([]Frame{frame("only()", "m")}, Snapshot{}); ok {
		t.Error("single-frame list produced a match")
	}
}

func TestDetectTopFrameSkipped(t *testing.T) {
	frames := []Frame{
		frame("top()", "m"),
		frame("below()", "m"),
	}
	fm, ok := Detect(frames, Snapshot{})
	if !ok || fm.Function != "below()" {
		t.Errorf("Detect = %+v, %v; want below()", fm, ok)
	}
}

func TestDetectRepeatKernelUnknownReturned(t *testing.T) {
	// A repeated "? "-prefixed frame (kernel style) is not the literal
	// "???" marker, so after the first unknown it wins as guilty.
	frames := []Frame{
		frame("top()", "m"),
		frame("? 0xdead", "m"),
		frame("? 0xbeef", "m"),
	}
	fm, ok := Detect(frames, Snapshot{})
	if !ok || fm.Function != "? 0xbeef" {
		t.Errorf("Detect = %+v, %v; want the second kernel unknown", fm, ok)
	}
}

func TestDetectRepeatUnknownSkipped(t *testing.T) {
	frames := []Frame{
		frame("top()", "m"),
		frame("???", "a"),
		frame("???", "b"),
		frame("real()", "m"),
	}
	fm, ok := Detect(frames, Snapshot{})
	if !ok || fm.Function != "real()" {
		t.Errorf("Detect = %+v, %v; want real()", fm, ok)
	}
}

func TestDetectDeterministic(t *testing.T) {
	blacklist := Snapshot{
		{Function: "raise()", Module: "libc.so.6"}: true,
	}
	frames := []Frame{
		frame("top()", "m"),
		frame("raise()", "libc.so.6"),
		frame("???", "m"),
		frame("work()", "m"),
	}
	first, ok := Detect(frames, blacklist)
	if !ok {
		t.Fatal("no match")
	}
	for i := 0; i < 50; i++ {
		got, ok := Detect(frames, blacklist)
		if !ok || got != first {
			t.Fatalf("run %d: Detect = %+v, %v; first run = %+v", i, got, ok, first)
		}
	}
}
