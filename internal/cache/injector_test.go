package cache

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sugar-network/sugar/internal/bundle"
	"github.com/sugar-network/sugar/internal/db"
)

type testPrincipal struct{ id string }

func (p testPrincipal) UserID() string         { return p.id }
func (p testPrincipal) UserName() string       { return p.id }
func (p testPrincipal) Cap(db.Capability) bool { return true }

func openVolume(t *testing.T) *db.Volume {
	t.Helper()
	vol, err := db.OpenVolume(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	t.Cleanup(func() { _ = vol.Close() })
	return vol
}

func submitActivity(t *testing.T, vol *db.Volume, exec string) string {
	t.Helper()
	manifest := strings.Join([]string{
		"[Activity]",
		"name = Probe",
		"bundle_id = org.example.Probe",
		"exec = " + exec,
		"activity_version = 1",
		"license = GPLv3+",
		"stability = stable",
		"",
	}, "\n")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"Probe.activity/activity/activity.info": manifest,
		"Probe.activity/bin/probe":              "#!/bin/sh\nexit 0\n",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	loader := bundle.NewLoader(vol, nil)
	sub, err := loader.Submit(context.Background(), bytes.NewReader(buf.Bytes()),
		bundle.Options{Initial: true}, testPrincipal{id: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return sub.Context
}

func newInjector(t *testing.T, vol *db.Volume) *Injector {
	t.Helper()
	profile := t.TempDir()
	pool, err := OpenPool(PoolOptions{Root: filepath.Join(profile, "releases")})
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	inj, err := NewInjector(profile, pool, &VolumeSource{Vol: vol, URL: "local"}, nil)
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}
	return inj
}

func states(events []Event) []string {
	var out []string
	for _, e := range events {
		if s, ok := e["state"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestLaunchLifecycle(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	guid := submitActivity(t, vol, "true")
	inj := newInjector(t, vol)

	var events []Event
	err := inj.Launch(context.Background(), LaunchOptions{Context: guid}, func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	want := []string{"init", "solve", "download", "exec", "exit"}
	got := states(events)
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}

	var execEvent Event
	for _, e := range events {
		if e["state"] == "exec" {
			execEvent = e
		}
	}
	args, _ := execEvent["args"].([]string)
	if len(args) < 5 || args[0] != "true" {
		t.Fatalf("exec args = %v", args)
	}
	found := false
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-b" && args[i+1] == guid {
			found = true
		}
	}
	if !found {
		t.Fatalf("no -b %s in args %v", guid, args)
	}
	if _, err := os.Stat(filepath.Join(inj.root, "logs", guid+".log")); err != nil {
		t.Fatalf("no launch log: %v", err)
	}
}

func TestLaunchUnpacksWithExecBits(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	guid := submitActivity(t, vol, "true")
	inj := newInjector(t, vol)
	if err := inj.Launch(context.Background(), LaunchOptions{Context: guid}, nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var probe string
	err := filepath.Walk(inj.pool.opts.Root, func(path string, fi os.FileInfo, err error) error {
		if err == nil && fi.Mode().IsRegular() && filepath.Base(path) == "probe" {
			probe = path
			if fi.Mode()&0o100 == 0 {
				t.Errorf("bin/probe not executable: %v", fi.Mode())
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if probe == "" {
		t.Fatal("bundle not unpacked into the pool")
	}
}

func TestLaunchFailure(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	guid := submitActivity(t, vol, "false")
	inj := newInjector(t, vol)

	var events []Event
	err := inj.Launch(context.Background(), LaunchOptions{Context: guid}, func(e Event) {
		events = append(events, e)
	})
	if err == nil {
		t.Fatal("Launch of a failing command succeeded")
	}
	last := events[len(events)-1]
	if last["event"] != "failure" {
		t.Fatalf("last event = %v", last)
	}
	if s, _ := last["error"].(string); s == "" {
		t.Fatalf("failure event without error: %v", last)
	}
}

func TestCheckinPinsBlobs(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	guid := submitActivity(t, vol, "true")
	inj := newInjector(t, vol)

	var events []Event
	sol, err := inj.Checkin(context.Background(), guid, []string{"stable"}, func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	digest, _ := sol[guid]["blob"].(string)
	if digest == "" {
		t.Fatalf("solution without blob: %v", sol)
	}
	if !inj.pool.Exists(digest) {
		t.Fatal("blob not downloaded")
	}
	if inj.pool.Contains(digest) {
		t.Fatal("checked-in blob still recyclable")
	}
	if !inj.CheckedIn(guid) {
		t.Fatal("checkin not recorded")
	}
	got := states(events)
	want := []string{"solve", "download", "ready"}
	if len(got) != len(want) {
		t.Fatalf("states = %v", got)
	}

	if err := inj.Checkout(guid); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if inj.CheckedIn(guid) {
		t.Fatal("checkout kept the pin")
	}
	if !inj.pool.Contains(digest) {
		t.Fatal("checkout did not hand the blob back to the pool")
	}
	if !inj.pool.Exists(digest) {
		t.Fatal("checkout removed the payload")
	}
}

func TestSolutionCached(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	guid := submitActivity(t, vol, "true")
	inj := newInjector(t, vol)

	sol, _, err := inj.solve(context.Background(), guid, nil)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if sol == nil {
		t.Fatal("no solution")
	}
	if _, err := os.Stat(inj.solutionPath(guid)); err != nil {
		t.Fatalf("solution not cached: %v", err)
	}

	again, _, err := inj.solve(context.Background(), guid, nil)
	if err != nil {
		t.Fatalf("second solve: %v", err)
	}
	if v, _ := again[guid]["version"].(string); v != "1" {
		t.Fatalf("cached solution version = %q", v)
	}

	inj.InvalidateSolution(guid)
	if _, err := os.Stat(inj.solutionPath(guid)); !os.IsNotExist(err) {
		t.Fatal("InvalidateSolution kept the cache file")
	}
}
