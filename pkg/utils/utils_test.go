package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateTransferID(t *testing.T) {
	id1 := GenerateTransferID()
	id2 := GenerateTransferID()

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if len(id1) != 36 {
		t.Errorf("expected uuid form, got %s", id1)
	}
	if !strings.HasPrefix(GenerateRequestID(), "req_") {
		t.Error("expected req_ prefix")
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "movie.mkv", "movie.mkv"},
		{"path traversal", "../../etc/passwd", "passwd"},
		{"control chars", "a\x00b.txt", "ab.txt"},
		{"only dots", "..", "download.bin"},
		{"empty", "", "download.bin"},
		{"whitespace", "  report.pdf ", "report.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFileName(tt.input); got != tt.expected {
				t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "he..."},
		{"hello", 2, "he"},
		{"hello", 5, "hello"},
	}

	for _, tt := range tests {
		if got := TruncateString(tt.input, tt.maxLen); got != tt.expected {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
		}
	}
}

func TestMaskSensitive(t *testing.T) {
	if got := MaskSensitive("ab12Z", 2); got != "ab***" {
		t.Errorf("got %q", got)
	}
	if got := MaskSensitive("ab", 4); got != "**" {
		t.Errorf("got %q", got)
	}
}

func TestFormatThroughput(t *testing.T) {
	tests := []struct {
		rate     float64
		expected string
	}{
		{0, "0 B/s"},
		{-5, "0 B/s"},
		{512, "512 B/s"},
		{1536, "1.50 KB/s"},
		{10 * 1024 * 1024, "10.00 MB/s"},
		{2.5 * 1024 * 1024 * 1024, "2.50 GB/s"},
	}

	for _, tt := range tests {
		if got := FormatThroughput(tt.rate); got != tt.expected {
			t.Errorf("FormatThroughput(%v) = %q, want %q", tt.rate, got, tt.expected)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.expected {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.expected)
		}
	}
}
