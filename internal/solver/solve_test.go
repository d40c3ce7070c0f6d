package solver

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"testing"

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

func postBlob(t *testing.T, vol *db.Volume, content string) string {
	t.Helper()
	meta, err := vol.Blobs().Post(context.Background(), bytes.NewReader([]byte(content)), db.BlobMeta{
		ContentType: "application/vnd.olpc-sugar",
		Seqno:       vol.Seqno().Next(),
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	return meta.Digest
}

func release(version, digest, exec string, requires any) map[string]any {
	rel := map[string]any{
		"version":   version,
		"stability": "stable",
		"license":   []any{"GPLv3+"},
		"bundles": map[string]any{
			"*-*": map[string]any{"blob": digest, "unpack_size": float64(10)},
		},
		"commands": map[string]any{
			"activity": map[string]any{"exec": exec},
		},
	}
	if requires != nil {
		rel["requires"] = requires
	}
	return rel
}

func createContext(t *testing.T, vol *db.Volume, guid string, releases map[string]any) string {
	t.Helper()
	contexts, _ := vol.Directory("context")
	user := testPrincipal{id: "u1"}
	props := map[string]any{
		"type":  []any{"activity"},
		"title": guid,
	}
	if guid != "" {
		props["guid"] = guid
	}
	created, err := contexts.Create(context.Background(), props, user)
	if err != nil {
		t.Fatalf("Create %s: %v", guid, err)
	}
	if releases != nil {
		if err := contexts.Update(context.Background(), created, map[string]any{"releases": releases}, user); err != nil {
			t.Fatalf("Update %s: %v", created, err)
		}
	}
	return created
}

func TestSolveSortedByVersion(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	releases := map[string]any{}
	for v := 1; v <= 3; v++ {
		releases[fmt.Sprint(v)] = release(fmt.Sprint(v), postBlob(t, vol, fmt.Sprint(v)), fmt.Sprint(v), nil)
	}
	ctx := createContext(t, vol, "ctx", releases)

	solution, err := Solve(context.Background(), vol, ctx, Options{})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution == nil {
		t.Fatalf("expected a solution")
	}
	row := solution[ctx]
	if row == nil {
		t.Fatalf("top context missing from solution: %v", solution)
	}
	if row["version"] != "3" {
		t.Fatalf("expected highest version 3, got %v", row["version"])
	}
	if row["command"] != "3" {
		t.Fatalf("expected command of version 3, got %v", row["command"])
	}
	if row["blob"] == "" || row["content-type"] != "application/vnd.olpc-sugar" {
		t.Fatalf("blob metadata missing: %v", row)
	}
}

func TestSolveTransitiveDeps(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	c3 := createContext(t, vol, "c3", map[string]any{
		"r": release("3", postBlob(t, vol, "c3"), "c3exec", nil),
	})
	c4 := createContext(t, vol, "c4", map[string]any{
		"r": release("4", postBlob(t, vol, "c4"), "c4exec", nil),
	})
	c2 := createContext(t, vol, "c2", map[string]any{
		"r": release("2", postBlob(t, vol, "c2"), "c2exec", c3),
	})
	c1 := createContext(t, vol, "c1", map[string]any{
		"r": release("1", postBlob(t, vol, "c1"), "command", c2+"; "+c4),
	})

	solution, err := Solve(context.Background(), vol, c1, Options{})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution == nil {
		t.Fatalf("expected a solution")
	}
	want := map[string]string{c1: "1", c2: "2", c3: "3", c4: "4"}
	if len(solution) != len(want) {
		t.Fatalf("expected 4 contexts, got %v", solution)
	}
	for guid, version := range want {
		row := solution[guid]
		if row == nil || row["version"] != version {
			t.Fatalf("context %s: want version %s, got %v", guid, version, row)
		}
	}
	if solution[c1]["command"] != "command" {
		t.Fatalf("top command lost: %v", solution[c1])
	}
	if _, ok := solution[c3]["command"]; ok {
		t.Fatalf("dependency rows must not carry a command: %v", solution[c3])
	}
}

func TestSolveVersionConstraintPicksOlder(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	dep := createContext(t, vol, "dep", map[string]any{
		"r1": release("1", postBlob(t, vol, "dep1"), "d1", nil),
		"r2": release("2", postBlob(t, vol, "dep2"), "d2", nil),
	})
	top := createContext(t, vol, "top", map[string]any{
		"r": release("1", postBlob(t, vol, "top"), "command", dep+" < 2"),
	})

	solution, err := Solve(context.Background(), vol, top, Options{})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution == nil {
		t.Fatalf("expected a solution")
	}
	if solution[dep]["version"] != "1" {
		t.Fatalf("constraint < 2 should pick version 1, got %v", solution[dep])
	}
}

func TestSolveStabilityFilter(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	devRelease := release("2", postBlob(t, vol, "dev"), "dev", nil)
	devRelease["stability"] = "developer"
	mixed := createContext(t, vol, "mixed", map[string]any{
		"r1": release("1", postBlob(t, vol, "stable"), "stable", nil),
		"r2": devRelease,
	})
	devOnlyRelease := release("2", postBlob(t, vol, "devonly"), "dev", nil)
	devOnlyRelease["stability"] = "developer"
	devOnly := createContext(t, vol, "devonly", map[string]any{"r": devOnlyRelease})

	solution, err := Solve(context.Background(), vol, devOnly, Options{})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution != nil {
		t.Fatalf("developer-only context must not solve by default, got %v", solution)
	}

	solution, err = Solve(context.Background(), vol, devOnly, Options{Stability: []string{"developer", "stable"}})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution[devOnly]["version"] != "2" {
		t.Fatalf("widened stability should admit the release, got %v", solution)
	}

	// stability outranks version: the stable 1 beats the developer 2
	solution, err = Solve(context.Background(), vol, mixed, Options{Stability: []string{"developer", "stable"}})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution[mixed]["version"] != "1" {
		t.Fatalf("stable release should outrank the developer one, got %v", solution[mixed])
	}
}

func TestSolveUnsatisfiable(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	top := createContext(t, vol, "top", map[string]any{
		"r": release("1", postBlob(t, vol, "top"), "command", "missing-context"),
	})

	solution, err := Solve(context.Background(), vol, top, Options{})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution != nil {
		t.Fatalf("unresolvable dependency should yield a nil solution, got %v", solution)
	}
}

func TestSolveAssumedVersion(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	top := createContext(t, vol, "top", map[string]any{
		"r": release("1", postBlob(t, vol, "top"), "command", "installed >= 2"),
	})

	solution, err := Solve(context.Background(), vol, top, Options{
		Assume: map[string][]string{"installed": {"2.1"}},
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if solution == nil {
		t.Fatalf("assumed dependency should satisfy the requirement")
	}
	row := solution["installed"]
	if row == nil || row["version"] != "2.1" {
		t.Fatalf("assumed row lost: %v", solution)
	}
	if _, ok := row["blob"]; ok {
		t.Fatalf("assumed releases carry no blob: %v", row)
	}
}

func TestSolveDeterministic(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	dep := createContext(t, vol, "dep", map[string]any{
		"r1": release("1", postBlob(t, vol, "d1"), "d1", nil),
		"r2": release("2", postBlob(t, vol, "d2"), "d2", nil),
	})
	top := createContext(t, vol, "top", map[string]any{
		"r1": release("1", postBlob(t, vol, "t1"), "command", dep),
		"r2": release("2", postBlob(t, vol, "t2"), "command", dep),
	})

	first, err := Solve(context.Background(), vol, top, Options{})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Solve(context.Background(), vol, top, Options{})
		if err != nil {
			t.Fatalf("Solve: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("unstable solution: %v vs %v", first, again)
		}
	}
}

func TestSolveNativePackages(t *testing.T) {
	t.Parallel()
	vol := openVolume(t)
	contexts, _ := vol.Directory("context")
	user := testPrincipal{id: "u1"}
	pkg, err := contexts.Create(context.Background(), map[string]any{
		"guid":  "pkg",
		"type":  []any{"package"},
		"title": "pkg",
	}, user)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := contexts.Update(context.Background(), pkg, map[string]any{
		"releases": map[string]any{
			"*":         map[string]any{"binary": []any{"libgeneric"}},
			"Fedora-14": map[string]any{"binary": []any{"libfedora14"}},
		},
	}, user); err != nil {
		t.Fatalf("Update: %v", err)
	}
	top := createContext(t, vol, "top", map[string]any{
		"r": release("1", postBlob(t, vol, "top"), "command", pkg),
	})

	solution, err := Solve(context.Background(), vol, top, Options{
		LSBID: "Fedora", LSBRelease: "14", Machine: "x86_64",
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	row := solution[pkg]
	if row == nil {
		t.Fatalf("package context missing: %v", solution)
	}
	if !reflect.DeepEqual(row["packages"], []string{"libfedora14"}) {
		t.Fatalf("specific distro alias should win, got %v", row["packages"])
	}

	solution, err = Solve(context.Background(), vol, top, Options{
		LSBID: "Debian", LSBRelease: "7", Machine: "x86_64",
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !reflect.DeepEqual(solution[pkg]["packages"], []string{"libgeneric"}) {
		t.Fatalf("wildcard alias should apply, got %v", solution[pkg]["packages"])
	}
}
