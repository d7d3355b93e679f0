package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hatlonely/sqlgate/log/writer"
)

func TestNewSLogWithOptions(t *testing.T) {
	tests := []struct {
		name    string
		options *SLogOptions
		wantErr bool
	}{
		{
			name:    "nil options",
			options: nil,
			wantErr: true,
		},
		{
			name:    "default console output",
			options: &SLogOptions{Level: "info"},
			wantErr: false,
		},
		{
			name: "json to stderr",
			options: &SLogOptions{
				Level:  "debug",
				Format: "json",
				Output: writer.Options{Type: "console", Target: "stderr"},
			},
			wantErr: false,
		},
		{
			name:    "invalid level",
			options: &SLogOptions{Level: "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			options: &SLogOptions{Level: "info", Format: "invalid"},
			wantErr: true,
		},
		{
			name: "invalid writer",
			options: &SLogOptions{
				Output: writer.Options{Type: "kafka"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewSLogWithOptions(tt.options)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSLogWithOptions() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && l == nil {
				t.Error("NewSLogWithOptions() returned nil logger without error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"DEBUG", false},
		{"", false},
		{"invalid", true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			_, err := parseLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "gate.log")

	l, err := NewSLogWithOptions(&SLogOptions{
		Level:  "info",
		Format: "json",
		Output: writer.Options{Type: "file", Path: logFile},
		Fields: map[string]any{"service": "sqlgate"},
	})
	if err != nil {
		t.Fatalf("NewSLogWithOptions() error = %v", err)
	}

	l.WithGroup("gateway").Info("record created", "table", "orders")
	l.Debug("dropped by level")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file failed: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, `"service":"sqlgate"`) || !strings.Contains(text, `"table":"orders"`) {
		t.Errorf("log file missing fields: %s", text)
	}
	if strings.Contains(text, "dropped by level") {
		t.Errorf("debug message should be filtered: %s", text)
	}
}

func TestContextFields(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "ctx.log")
	l, err := NewSLogWithOptions(&SLogOptions{
		Format: "json",
		Output: writer.Options{Type: "file", Path: logFile},
	})
	if err != nil {
		t.Fatalf("NewSLogWithOptions() error = %v", err)
	}

	ctx := ContextWith(context.Background(), "requestId", "r-1")
	ctx = ContextWith(ctx, "user", 7)
	if got := FieldsFrom(ctx); len(got) != 4 {
		t.Fatalf("FieldsFrom() = %v", got)
	}
	l.InfoContext(ctx, "batch committed", "table", "orders")
	l.Info("no context")
	l.Close()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expect 2 lines, got %d: %s", len(lines), content)
	}
	if !strings.Contains(lines[0], `"requestId":"r-1"`) || !strings.Contains(lines[0], `"user":7`) {
		t.Errorf("context fields missing: %s", lines[0])
	}
	if strings.Contains(lines[1], "requestId") {
		t.Errorf("unexpected context fields: %s", lines[1])
	}
}
