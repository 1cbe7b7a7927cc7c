package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/models"
)

type fakeRequester struct {
	mu    sync.Mutex
	calls []string
	err   error
	fired chan struct{}
}

func (f *fakeRequester) Request(_ context.Context, service string, params *flags.Map) (*models.BenchmarkRun, error) {
	f.mu.Lock()
	f.calls = append(f.calls, service+" "+flags.Format(params))
	f.mu.Unlock()
	select {
	case f.fired <- struct{}{}:
	default:
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.BenchmarkRun{ID: "run-1", ServiceName: service}, nil
}

func TestScheduler_FiresBenchmark(t *testing.T) {
	req := &fakeRequester{fired: make(chan struct{}, 1)}
	s := New(zerolog.Nop())
	err := s.AddBenchmark(req, Benchmark{
		Name:    "qwen-every-second",
		Service: "llamacpp-qwen",
		Spec:    "@every 1s",
		Params:  flags.FromPairs("-p", "512"),
	})
	if err != nil {
		t.Fatalf("AddBenchmark: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-req.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("benchmark never fired")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if len(req.calls) == 0 || req.calls[0] != "llamacpp-qwen -p 512" {
		t.Errorf("calls = %v, want llamacpp-qwen -p 512", req.calls)
	}
}

func TestScheduler_RequestErrorsAreSkipped(t *testing.T) {
	req := &fakeRequester{fired: make(chan struct{}, 1), err: errors.New("benchmark already running")}
	s := New(zerolog.Nop())
	if err := s.AddBenchmark(req, Benchmark{Service: "llamacpp-qwen", Spec: "@every 1s"}); err != nil {
		t.Fatalf("AddBenchmark: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-req.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("benchmark never fired")
	}
}

func TestScheduler_AddErrors(t *testing.T) {
	s := New(zerolog.Nop())
	noop := func(context.Context) {}

	if err := s.AddFunc("metrics", "@every 30s", noop); err != nil {
		t.Fatalf("AddFunc: %v", err)
	}
	if err := s.AddFunc("metrics", "@every 30s", noop); !errors.Is(err, ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
	if err := s.AddFunc("bad", "every day", noop); err == nil {
		t.Error("expected parse error")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestScheduler_Next(t *testing.T) {
	s := New(zerolog.Nop())
	if err := s.AddFunc("hourly", "0 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("AddFunc: %v", err)
	}
	next, ok := s.Next("hourly")
	if !ok {
		t.Fatal("Next: job not found")
	}
	if d := time.Until(next); d <= 0 || d > time.Hour {
		t.Errorf("next fire in %v, want within the hour", d)
	}
	if _, ok := s.Next("missing"); ok {
		t.Error("Next(missing) should report false")
	}
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		spec string
		want time.Time
	}{
		{"0 9 * * *", time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"@every 90s", after.Add(90 * time.Second)},
	}
	for _, tt := range tests {
		got, err := NextRun(tt.spec, after)
		if err != nil {
			t.Fatalf("NextRun(%q): %v", tt.spec, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("NextRun(%q) = %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestNextRun_InvalidSpec(t *testing.T) {
	for _, spec := range []string{"not a cron expr", "", "0 0 0 * * *", "61 * * * *"} {
		if _, err := NextRun(spec, time.Now()); err == nil {
			t.Errorf("NextRun(%q): expected error", spec)
		}
	}
}
