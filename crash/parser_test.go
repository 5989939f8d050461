package crash

import "testing"

const samplePayload = `Process: /usr/bin/hello
PID: 1234
Signal: 11
Backtrace (TID 1234):
#0 raise() - [/usr/lib64/libc.so.6]
#1 do_work() - [/usr/bin/hello] hello.c:42
#2 main() - [/usr/bin/hello]
#3 __libc_start_main() - [/usr/lib64/libc.so.6]
#4 _start() - [/usr/bin/hello]
Backtrace (TID 1235):
#0 pthread_cond_wait() - [/usr/lib64/libpthread.so.0]
`

func TestParseBacktrace(t *testing.T) {
	c := ParseBacktrace(7, samplePayload)

	if c.RecordID != 7 {
		t.Errorf("RecordID = %d", c.RecordID)
	}
	if c.Program != "/usr/bin/hello" {
		t.Errorf("Program = %q", c.Program)
	}
	if c.PID != "1234" {
		t.Errorf("PID = %q", c.PID)
	}
	if c.Signal != "11" {
		t.Errorf("Signal = %q", c.Signal)
	}

	// Only the crashing thread's section is retained.
	if len(c.Frames) != 5 {
		t.Fatalf("frames = %d, want 5", len(c.Frames))
	}
	if c.Frames[0].Function != "raise()" || c.Frames[0].Module != "/usr/lib64/libc.so.6" {
		t.Errorf("frame 0 = %+v", c.Frames[0])
	}
	if c.Frames[1].SourceInfo != " hello.c:42" {
		t.Errorf("frame 1 source info = %q", c.Frames[1].SourceInfo)
	}
	if c.Frames[4].Function != "_start()" {
		t.Errorf("frame 4 = %+v", c.Frames[4])
	}
}

func TestParseBacktraceFirstHeaderWins(t *testing.T) {
	payload := "Process: /usr/bin/first\nProcess: /usr/bin/second\nPID: 1\nPID: 2\n"
	c := ParseBacktrace(1, payload)
	if c.Program != "/usr/bin/first" {
		t.Errorf("Program = %q", c.Program)
	}
	if c.PID != "1" {
		t.Errorf("PID = %q", c.PID)
	}
}

func TestParseBacktraceNoFrames(t *testing.T) {
	c := ParseBacktrace(1, "just some text\nwithout any frames\n")
	if len(c.Frames) != 0 {
		t.Errorf("frames = %d, want 0", len(c.Frames))
	}
}

func TestIsCrashClassification(t *testing.T) {
	for _, class := range BacktraceClasses() {
		if !IsCrashClassification(class) {
			t.Errorf("%s not recognized as crash class", class)
		}
	}
	for _, class := range []string{
		"org.clearlinux/crash/unknown",
		"org.clearlinux/hello/world",
		"",
	} {
		if IsCrashClassification(class) {
			t.Errorf("%s wrongly recognized as crash class", class)
		}
	}
}
