package logger

import (
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	type testData struct {
		in  string
		out Level
		ok  bool
	}

	tests := []testData{
		{"", 0, true},
		{"error", LevelError, true},
		{"info", LevelInfo | LevelError, true},
		{"debug", LevelDebug | LevelInfo | LevelError, true},
		{"trace-opc", LevelTraceOPC | LevelDebug | LevelInfo | LevelError, true},
		{"all", LevelAll, true},
		{"error, debug", LevelError | LevelDebug | LevelInfo, true},
		{"bogus", 0, false},
	}

	for _, test := range tests {
		out, err := ParseLevel(test.in)
		if test.ok && err != nil {
			t.Errorf("ParseLevel(%q): unexpected error %s", test.in, err)
			continue
		}
		if !test.ok && err == nil {
			t.Errorf("ParseLevel(%q): expected error, got none", test.in)
			continue
		}
		if test.ok && out != test.out {
			t.Errorf("ParseLevel(%q): expected %d, got %d", test.in, test.out, out)
		}
	}
}

func TestLoggerConsole(t *testing.T) {
	var sb strings.Builder

	l := New()
	l.mode = modeConsole
	l.out = &sb

	l.Info('+', "hello %s", "world")

	if !strings.Contains(sb.String(), "+ hello world") {
		t.Errorf("unexpected console output: %q", sb.String())
	}
}

func TestLoggerCc(t *testing.T) {
	var main, console strings.Builder

	l := New()
	l.mode = modeConsole
	l.out = &main

	cc := New()
	cc.mode = modeConsole
	cc.out = &console

	l.Cc(LevelInfo, cc)

	l.Debug(' ', "debug line")
	l.Info(' ', "info line")

	if strings.Contains(console.String(), "debug line") {
		t.Errorf("debug line leaked into cc target: %q", console.String())
	}
	if !strings.Contains(console.String(), "info line") {
		t.Errorf("info line missing from cc target: %q", console.String())
	}
}

func TestLoggerSetLevelSuppressesDebug(t *testing.T) {
	var sb strings.Builder

	l := New()
	l.mode = modeConsole
	l.out = &sb
	l.SetLevel(LevelInfo | LevelError)

	l.Debug(' ', "debug line")
	l.Info(' ', "info line")

	if strings.Contains(sb.String(), "debug line") {
		t.Errorf("debug line should have been suppressed: %q", sb.String())
	}
	if !strings.Contains(sb.String(), "info line") {
		t.Errorf("info line missing: %q", sb.String())
	}
}

func TestMessageBatching(t *testing.T) {
	var sb strings.Builder

	l := New()
	l.mode = modeConsole
	l.out = &sb

	msg := l.Begin()
	msg.Info(' ', "line one")
	msg.Info(' ', "line two")
	msg.Commit()

	out := sb.String()
	if !strings.Contains(out, "line one") || !strings.Contains(out, "line two") {
		t.Errorf("batched message missing lines: %q", out)
	}
}
