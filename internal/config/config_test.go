package config

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestLoadWorkerID(t *testing.T) {
	t.Setenv("WORKER_ID", "worker-a")
	if got := Load().WorkerID; got != "worker-a" {
		t.Fatalf("WorkerID = %q, want worker-a", got)
	}

	t.Setenv("WORKER_ID", "")
	got := Load().WorkerID
	if !strings.HasSuffix(got, "-"+strconv.Itoa(os.Getpid())) {
		t.Fatalf("default WorkerID %q should end with the pid", got)
	}
}

func TestRetryPolicyClampsAttempts(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "0")
	t.Setenv("RETRY_BASE_DELAY", "2s")
	p := Load().RetryPolicy()
	if p.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
	if p.BaseDelay != 2*time.Second {
		t.Fatalf("BaseDelay = %s, want 2s", p.BaseDelay)
	}
}

func TestInlineMode(t *testing.T) {
	t.Setenv("TRANSPORT", "NONE")
	if !Load().InlineMode() {
		t.Fatalf("expected inline mode")
	}
	t.Setenv("TRANSPORT", "redis")
	if Load().InlineMode() {
		t.Fatalf("expected redis transport")
	}
}
