package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "host.lock"))

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !lock.Locked() {
		t.Error("Lock should be held")
	}
	if lock.PID() != os.Getpid() {
		t.Errorf("Expected pid %d, got %d", os.Getpid(), lock.PID())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if lock.Locked() {
		t.Error("Lock should not be held after release")
	}

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to re-acquire lock after release: %v", err)
	}
	lock.Release()
}

func TestSecondAcquireFails(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "host.lock")

	first := New(lockPath)
	if err := first.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second := New(lockPath)
	err := second.TryAcquire()
	if err == nil {
		second.Release()
		t.Fatal("Expected error when acquiring a held lock")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked, got: %v", err)
	}
}

func TestStaleByDeadPid(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "host.lock")

	content := fmt.Sprintf("%d\n%s\n", 99999, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fake lock: %v", err)
	}

	lock := New(lockPath)
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to reclaim stale lock: %v", err)
	}
	defer lock.Release()
}

func TestStaleByAge(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "host.lock")

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Add(-2*time.Hour).Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write old lock: %v", err)
	}

	lock := New(lockPath)
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to reclaim aged lock: %v", err)
	}
	defer lock.Release()
}

func TestReleaseWithoutAcquire(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "host.lock"))
	if err := lock.Release(); err != nil {
		t.Errorf("Release of an unheld lock should be a no-op, got: %v", err)
	}
}

func TestForWorkspacePath(t *testing.T) {
	workspace := t.TempDir()
	lock := ForWorkspace(workspace)

	want := filepath.Join(workspace, ".coworkany", "host.lock")
	if lock.Path() != want {
		t.Errorf("Expected %s, got %s", want, lock.Path())
	}

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("Failed to acquire workspace lock: %v", err)
	}
	lock.Release()
}
