package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// captureLogOutput redirects the global logger to a buffer for the duration of f.
func captureLogOutput(level Level, format Format, f func()) string {
	var buf bytes.Buffer
	old := defaultLogger
	InitLoggerWriter(&buf, level, format)
	f()
	defaultLogger = old
	return buf.String()
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		format Format
	}{
		{"Debug level JSON format", LevelDebug, FormatJSON},
		{"Info level JSON format", LevelInfo, FormatJSON},
		{"Warn level JSON format", LevelWarn, FormatJSON},
		{"Error level JSON format", LevelError, FormatJSON},
		{"Info level Text format", LevelInfo, FormatText},
		{"Default level (invalid value)", Level(999), FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitLogger(tt.level, tt.format)
			if GetLogger() == nil {
				t.Error("Expected logger to be initialized, got nil")
			}
		})
	}
	InitLogger(LevelInfo, FormatJSON)
}

func TestLevelFiltering(t *testing.T) {
	out := captureLogOutput(LevelWarn, FormatJSON, func() {
		Debug("hidden debug")
		Info("hidden info")
		Warn("shown warn")
		Error("shown error")
	})
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains filtered messages: %s", out)
	}
	if !strings.Contains(out, "shown warn") || !strings.Contains(out, "shown error") {
		t.Errorf("output missing messages: %s", out)
	}
}

func TestTimestampFormat(t *testing.T) {
	out := captureLogOutput(LevelInfo, FormatJSON, func() {
		Info("ts")
	})
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	ts, ok := rec["time"].(string)
	if !ok {
		t.Fatalf("time field missing: %v", rec)
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("time %q is not RFC3339: %v", ts, err)
	}
}

func TestConnIDContext(t *testing.T) {
	ctx := WithConnID(context.Background(), "conn-7")
	if got := GetConnID(ctx); got != "conn-7" {
		t.Errorf("GetConnID() = %q, want %q", got, "conn-7")
	}
	if got := GetConnID(context.Background()); got != "" {
		t.Errorf("GetConnID(empty) = %q, want empty", got)
	}

	out := captureLogOutput(LevelDebug, FormatJSON, func() {
		DebugContext(ctx, "d")
		InfoContext(ctx, "i")
		WarnContext(ctx, "w")
		ErrorContext(ctx, "e")
	})
	if strings.Count(out, `"conn_id":"conn-7"`) != 4 {
		t.Errorf("expected conn_id on every record: %s", out)
	}
}

func TestEngineEvents(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
		want []string
	}{
		{
			name: "transaction",
			fn:   func() { TransactionEvent(WithConnID(context.Background(), "c1"), "commit", "a.db", "pages", 3) },
			want: []string{`"msg":"transaction"`, `"op":"commit"`, `"file":"a.db"`, `"pages":3`, `"conn_id":"c1"`},
		},
		{
			name: "recovery",
			fn:   func() { RecoveryEvent("a.db", 12) },
			want: []string{`"msg":"journal_recovery"`, `"pages_restored":12`},
		},
		{
			name: "vacuum",
			fn:   func() { VacuumEvent("a.db", 4, 20) },
			want: []string{`"msg":"vacuum"`, `"pages_moved":4`, `"truncated_to":20`},
		},
		{
			name: "corruption",
			fn:   func() { CorruptionDetected("a.db", 9, "bad flags", "err", errors.New("x").Error()) },
			want: []string{`"msg":"corruption_detected"`, `"page":9`, `"reason":"bad flags"`, `"level":"WARN"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureLogOutput(LevelDebug, FormatJSON, tt.fn)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %s missing %s", out, w)
				}
			}
		})
	}
}

func TestTextFormat(t *testing.T) {
	out := captureLogOutput(LevelInfo, FormatText, func() {
		Info("hello", "k", "v")
	})
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=v") {
		t.Errorf("unexpected text output: %s", out)
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	levels := map[string]Level{"debug": LevelDebug, "info": LevelInfo, "warn": LevelWarn,
		"warning": LevelWarn, "error": LevelError, "bogus": LevelInfo}
	for name, want := range levels {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", name, got, want)
		}
	}
	if ParseFormat("text") != FormatText || ParseFormat("json") != FormatJSON || ParseFormat("") != FormatJSON {
		t.Error("ParseFormat() mapping is wrong")
	}
}
