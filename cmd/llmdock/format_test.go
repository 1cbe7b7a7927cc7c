package main

import (
	"testing"
	"time"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"/local-models/qwen2.5-coder-32b-instruct-q4_k_m.gguf", 20, "/local-models/qwe..."},
		{"abcdef", 3, "abc"},
		{"ünïcödé-name", 8, "ünïcö..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("sk-abcdef123456"); got != "****3456" {
		t.Errorf("maskKey = %q, want %q", got, "****3456")
	}
	if got := maskKey("abc"); got != "****" {
		t.Errorf("maskKey(short) = %q, want %q", got, "****")
	}
}

func TestFormatRate(t *testing.T) {
	avg, dev := 1234.567, 8.9
	if got := formatRate(&avg, &dev); got != "1234.57 ± 8.90" {
		t.Errorf("formatRate = %q", got)
	}
	if got := formatRate(&avg, nil); got != "1234.57" {
		t.Errorf("formatRate(no stddev) = %q", got)
	}
	if got := formatRate(nil, nil); got != "-" {
		t.Errorf("formatRate(nil) = %q, want -", got)
	}
}

func TestFormatCount(t *testing.T) {
	tests := map[int64]string{
		0:          "0",
		999:        "999",
		1000:       "1,000",
		45230:      "45,230",
		7615616512: "7,615,616,512",
		-1234:      "-1,234",
	}
	for in, want := range tests {
		if got := formatCount(in); got != want {
			t.Errorf("formatCount(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(95*time.Second + 400*time.Millisecond)
	if got := formatDuration(&start, &end); got != "1m35s" {
		t.Errorf("formatDuration = %q, want 1m35s", got)
	}
	if got := formatDuration(&start, nil); got != "-" {
		t.Errorf("formatDuration(running) = %q, want -", got)
	}
}
