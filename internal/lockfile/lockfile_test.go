package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir, "run_abc")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(tempDir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info := parseInfo(string(content))
	if info["pid"] != fmt.Sprint(os.Getpid()) || info["owner"] != "run_abc" || info["since"] == "" {
		t.Errorf("unexpected lock file content %q", content)
	}
}

func TestLockConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := AcquireLock(tempDir, "run_first")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(tempDir, "run_second")
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another OutreachPipe run") || !strings.Contains(msg, tempDir) {
		t.Errorf("Error message should explain the conflict: %s", msg)
	}
	if !strings.Contains(lockErr.Holder, "(running)") || !strings.Contains(lockErr.Holder, "run_first") {
		t.Errorf("Holder should name the running owner: %s", lockErr.Holder)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	tempDir := t.TempDir()
	lockPath := filepath.Join(tempDir, LockFileName)

	lock, err := AcquireLock(tempDir, "run_1")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := AcquireLock(tempDir, "run_2")
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer lock2.Release()
}

func TestStaleLockFileIsReused(t *testing.T) {
	tempDir := t.TempDir()
	lockPath := filepath.Join(tempDir, LockFileName)
	if err := os.WriteFile(lockPath, []byte("pid=999999\nowner=run_dead\n"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(tempDir, "run_new")
	if err != nil {
		t.Fatalf("stale file without flock should not block: %v", err)
	}
	defer lock.Release()
	content, _ := os.ReadFile(lockPath)
	if strings.Contains(string(content), "run_dead") {
		t.Errorf("stale info not replaced: %q", content)
	}
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
		want    string
	}{
		{"pid", "pid=12345\n", "pid", "12345"},
		{"owner after pid", "pid=1\nowner=run_x\n", "owner", "run_x"},
		{"missing", "other=info", "pid", ""},
		{"empty", "", "pid", ""},
		{"no equals", "pid12345", "pid", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseInfo(tt.content)[tt.key]; got != tt.want {
				t.Errorf("parseInfo(%q)[%q] = %q, want %q", tt.content, tt.key, got, tt.want)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
}

func TestNestedStateDirectoryIsCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	lock, err := AcquireLock(dir, "run_1")
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}
