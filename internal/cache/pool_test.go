package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeBlob(t *testing.T, root, digest string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, digest), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write blob %s: %v", digest, err)
	}
}

func TestPoolPreemption(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	pool, err := OpenPool(PoolOptions{
		Root:       root,
		LimitBytes: 10,
		Stat: func(string) (FSStat, error) {
			return FSStat{Free: 11, Total: 100}, nil
		},
	})
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}

	writeBlob(t, root, "1", 5)
	writeBlob(t, root, "2", 5)
	if err := pool.Push("1", 5); err != nil {
		t.Fatalf("Push 1: %v", err)
	}
	if err := pool.Push("2", 5); err != nil {
		t.Fatalf("Push 2: %v", err)
	}

	if err := pool.Ensure(1, 0); err != nil {
		t.Fatalf("Ensure(1): %v", err)
	}
	if !pool.Exists("1") || !pool.Exists("2") {
		t.Fatal("Ensure(1) evicted something")
	}

	if err := pool.Ensure(2, 0); err != nil {
		t.Fatalf("Ensure(2): %v", err)
	}
	if pool.Exists("1") {
		t.Fatal("Ensure(2) kept the oldest candidate")
	}
	if !pool.Exists("2") {
		t.Fatal("Ensure(2) evicted too much")
	}

	if err := pool.Ensure(7, 0); err == nil {
		t.Fatal("Ensure(7) did not fail")
	}
	if !pool.Exists("2") {
		t.Fatal("failed Ensure evicted anyway")
	}

	if err := pool.Ensure(6, 0); err != nil {
		t.Fatalf("Ensure(6): %v", err)
	}
	if pool.Exists("2") {
		t.Fatal("Ensure(6) kept candidates")
	}
	if pool.DU() != 0 {
		t.Fatalf("du = %d after full eviction", pool.DU())
	}
}

func TestPoolPushPopInverse(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	pool, err := OpenPool(PoolOptions{Root: root})
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	writeBlob(t, root, "a", 3)
	if err := pool.Push("a", 3); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if pool.DU() != 3 {
		t.Fatalf("du = %d", pool.DU())
	}
	size, err := pool.Pop("a")
	if err != nil || size != 3 {
		t.Fatalf("Pop = %d, %v", size, err)
	}
	if pool.DU() != 0 || pool.Contains("a") {
		t.Fatal("Pop left candidate state behind")
	}
	if !pool.Exists("a") {
		t.Fatal("Pop removed the payload")
	}
	if size, _ := pool.Pop("a"); size != -1 {
		t.Fatalf("second Pop = %d", size)
	}
	if err := pool.Push("a", 3); err != nil {
		t.Fatalf("re-Push: %v", err)
	}
	if pool.DU() != 3 {
		t.Fatalf("du after re-push = %d", pool.DU())
	}
}

func TestPoolRecycleLifetime(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	clock := time.Unix(1_700_000_000, 0)
	pool, err := OpenPool(PoolOptions{
		Root:     root,
		Lifetime: 24 * time.Hour,
		Now:      func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	writeBlob(t, root, "old", 2)
	writeBlob(t, root, "new", 2)
	if err := pool.Push("old", 2); err != nil {
		t.Fatalf("Push old: %v", err)
	}
	clock = clock.Add(48 * time.Hour)
	if err := pool.Push("new", 2); err != nil {
		t.Fatalf("Push new: %v", err)
	}
	if err := pool.Recycle(); err != nil {
		t.Fatalf("Recycle: %v", err)
	}
	if pool.Exists("old") {
		t.Fatal("expired candidate survived")
	}
	if !pool.Exists("new") {
		t.Fatal("fresh candidate evicted")
	}
}

func TestPoolIndexPersistence(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	pool, err := OpenPool(PoolOptions{Root: root})
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	writeBlob(t, root, "x", 4)
	if err := pool.Push("x", 4); err != nil {
		t.Fatalf("Push: %v", err)
	}

	reopened, err := OpenPool(PoolOptions{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.DU() != 4 {
		t.Fatalf("du after reload = %d", reopened.DU())
	}
	if !reopened.Contains("x") {
		t.Fatal("candidate lost across reload")
	}
}

func TestPoolUnlimitedFilesystem(t *testing.T) {
	t.Parallel()
	pool, err := OpenPool(PoolOptions{
		Root:       t.TempDir(),
		LimitBytes: 1,
		Stat: func(string) (FSStat, error) {
			return FSStat{Free: 0, Total: 0}, nil
		},
	})
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	if err := pool.Push("z", 100); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := pool.Ensure(1_000_000, 0); err != nil {
		t.Fatalf("Ensure on zero-block fs: %v", err)
	}
	if !pool.Contains("z") {
		t.Fatal("unlimited pool evicted")
	}
}
