package main

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/llmdock/internal/config"
)

var runIDRe = regexp.MustCompile(`Benchmark ([0-9a-f-]{36}) started`)

// benchQwen registers a service and runs one benchmark, returning the run id.
func benchQwen(t *testing.T, cfgPath string) string {
	t.Helper()
	addQwen(t, cfgPath)
	out := mustRun(t, "bench", "run", "llamacpp-qwen-7b", "-c", cfgPath)
	m := runIDRe.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no run id in output: %s", out)
	}
	for _, want := range []string{"Status:", "completed", "4200.50 ± 12.25", "130.75 ± 0.50", "NVIDIA RTX 4090", "4,683,073,536"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected bench run output to contain %q, got: %s", want, out)
		}
	}
	return m[1]
}

func TestBenchRun(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	id := benchQwen(t, cfgPath)

	out := mustRun(t, "bench", "list", "-c", cfgPath)
	if !strings.Contains(out, id) || !strings.Contains(out, "Showing 1 of 1") {
		t.Errorf("expected run in list, got: %s", out)
	}

	out = mustRun(t, "bench", "list", "-c", cfgPath, "--status", "failed")
	if !strings.Contains(out, "No benchmark runs found.") {
		t.Errorf("expected no failed runs, got: %s", out)
	}

	out = mustRun(t, "bench", "show", id, "-c", cfgPath, "--raw")
	if !strings.Contains(out, "--- raw output ---") || !strings.Contains(out, "abc1234") {
		t.Errorf("expected raw output, got: %s", out)
	}
}

func TestBenchRun_DefaultParams(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	addQwen(t, cfgPath)
	out := mustRun(t, "bench", "defaults", "llamacpp-qwen-7b", "-c", cfgPath)
	want := "-p 512 -n 128 -r 5 -ngl 99 --no-mmap -c 8192"
	if strings.TrimSpace(out) != want {
		t.Errorf("defaults = %q, want %q", strings.TrimSpace(out), want)
	}
}

func TestBenchRun_UnknownService(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	if _, err := runCmd(t, "bench", "run", "nope", "-c", cfgPath, "--params=-p 64"); err == nil {
		t.Fatal("expected error for unknown service")
	}
}

func TestBenchRun_RejectsReservedParams(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	addQwen(t, cfgPath)
	_, err := runCmd(t, "bench", "run", "llamacpp-qwen-7b", "-c", cfgPath, "--params=-m /etc/passwd")
	if err == nil {
		t.Fatal("expected reserved flag to be rejected")
	}
	out := mustRun(t, "bench", "list", "-c", cfgPath)
	if !strings.Contains(out, "No benchmark runs found.") {
		t.Errorf("rejected request should not create a run, got: %s", out)
	}
}

func TestBenchApply(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	id := benchQwen(t, cfgPath)

	out := mustRun(t, "bench", "apply", id, "-c", cfgPath)
	if !strings.Contains(out, "Applied 3 parameters to llamacpp-qwen-7b") {
		t.Errorf("expected apply summary, got: %s", out)
	}
	if !strings.Contains(out, "Skipped benchmark-only: [-p -n -r]") {
		t.Errorf("expected skipped flags, got: %s", out)
	}
}

func TestBenchCancelAndRemove(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	id := benchQwen(t, cfgPath)

	out := mustRun(t, "bench", "cancel", id, "-c", cfgPath)
	if !strings.Contains(out, "already finished") {
		t.Errorf("expected already finished, got: %s", out)
	}

	out = mustRun(t, "bench", "rm", id, "-c", cfgPath)
	if !strings.Contains(out, "Deleted benchmark "+id) {
		t.Errorf("expected delete message, got: %s", out)
	}
	if _, err := runCmd(t, "bench", "show", id, "-c", cfgPath); err == nil {
		t.Error("expected show of deleted run to fail")
	}
}

func TestBenchRecover(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	out := mustRun(t, "bench", "recover", "-c", cfgPath)
	if !strings.Contains(out, "Recovered 0 stale runs") {
		t.Errorf("expected recover summary, got: %s", out)
	}
}

func TestDBMigrate(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	out := mustRun(t, "db", "migrate", "-c", cfgPath)
	if !strings.Contains(out, "Migrated 1 tables (sqlite)") {
		t.Errorf("expected migrate summary, got: %s", out)
	}
}

func TestDoctor(t *testing.T) {
	cfgPath, _ := setupWorkspace(t)
	mustRun(t, "db", "migrate", "-c", cfgPath)
	out := mustRun(t, "doctor", "-c", cfgPath)
	for _, want := range []string{"[PASS] Config file", "[PASS] Compose file", "[PASS] Run store", "[PASS] Validator", "0 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected doctor output to contain %q, got: %s", want, out)
		}
	}
}

func TestCheckSchedules(t *testing.T) {
	now := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)

	r := checkSchedules(nil, now)
	if r.status != "PASS" || r.detail != "none configured" {
		t.Errorf("expected PASS none configured, got %s %s", r.status, r.detail)
	}

	r = checkSchedules([]config.Schedule{
		{Name: "nightly", Service: "a", Cron: "0 3 * * *"},
		{Name: "quarterly", Service: "b", Cron: "*/15 * * * *"},
	}, now)
	if r.status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", r.status, r.detail)
	}
	if !strings.Contains(r.detail, "2 configured, next quarterly in 15m0s") {
		t.Errorf("expected soonest schedule in detail, got: %s", r.detail)
	}

	r = checkSchedules([]config.Schedule{{Name: "broken", Service: "a", Cron: "every day"}}, now)
	if r.status != "FAIL" || !strings.Contains(r.detail, "broken") {
		t.Errorf("expected FAIL naming the schedule, got %s %s", r.status, r.detail)
	}
}

func TestCheckBinary_Missing(t *testing.T) {
	result := checkBinary("nonexistent-binary-xyz-12345")
	if result.status != "WARN" {
		t.Errorf("expected WARN for missing binary, got %s", result.status)
	}
}
