package ranges

import (
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"
)

func TestIncludeMerging(t *testing.T) {
	t.Parallel()
	var r Ranges
	if err := r.Include(1, 3); err != nil {
		t.Fatalf("Include: %v", err)
	}
	if err := r.Include(7, 9); err != nil {
		t.Fatalf("Include: %v", err)
	}
	if err := r.Include(4, 4); err != nil {
		t.Fatalf("Include: %v", err)
	}
	want := Ranges{{1, 4}, {7, 9}}
	assertEqual(t, r, want)

	if err := r.Include(5, 6); err != nil {
		t.Fatalf("Include: %v", err)
	}
	assertEqual(t, r, Ranges{{1, 9}})

	if err := r.Include(20, Inf); err != nil {
		t.Fatalf("Include: %v", err)
	}
	if err := r.Include(15, 30); err != nil {
		t.Fatalf("Include: %v", err)
	}
	assertEqual(t, r, Ranges{{1, 9}, {15, Inf}})
}

func TestIncludeInvalid(t *testing.T) {
	t.Parallel()
	var r Ranges
	if err := r.Include(5, 3); err == nil {
		t.Fatalf("expected error for lo > hi")
	}
	if err := r.Include(0, 3); err == nil {
		t.Fatalf("expected error for lo < 1")
	}
}

func TestExcludeSplits(t *testing.T) {
	t.Parallel()
	r := Ranges{{1, 10}}
	if err := r.Exclude(4, 6); err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	assertEqual(t, r, Ranges{{1, 3}, {7, 10}})

	if err := r.Exclude(1, 2); err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	assertEqual(t, r, Ranges{{3, 3}, {7, 10}})

	if err := r.Exclude(8, Inf); err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	assertEqual(t, r, Ranges{{3, 3}, {7, 7}})
}

func TestExcludeOpenList(t *testing.T) {
	t.Parallel()
	r := Ranges{{1, Inf}}
	if err := r.Exclude(1, 5); err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	assertEqual(t, r, Ranges{{6, Inf}})
	if err := r.Exclude(10, 10); err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	assertEqual(t, r, Ranges{{6, 9}, {11, Inf}})
}

func TestContains(t *testing.T) {
	t.Parallel()
	r := Ranges{{2, 4}, {8, Inf}}
	cases := map[int64]bool{1: false, 2: true, 4: true, 5: false, 8: true, 1 << 40: true}
	for v, want := range cases {
		if got := r.Contains(v); got != want {
			t.Fatalf("Contains(%d) = %v, want %v", v, got, want)
		}
	}
}

func TestIntersect(t *testing.T) {
	t.Parallel()
	a := Ranges{{1, 5}, {10, 20}}
	b := Ranges{{4, 12}, {18, Inf}}
	got := Intersect(a, b)
	assertEqual(t, got, Ranges{{4, 5}, {10, 12}, {18, 20}})

	open := Intersect(Ranges{{1, Inf}}, Ranges{{7, 9}})
	assertEqual(t, open, Ranges{{7, 9}})
}

func TestStretch(t *testing.T) {
	t.Parallel()
	r := Ranges{{2, 4}, {9, 12}, {20, Inf}}
	r.Stretch()
	assertEqual(t, r, Ranges{{2, Inf}})
}

func TestRandomOpsMatchNaive(t *testing.T) {
	t.Parallel()
	const limit = 64
	rng := rand.New(rand.NewSource(7))
	var r Ranges
	naive := make([]bool, limit+1)
	for i := 0; i < 500; i++ {
		lo := rng.Int63n(limit) + 1
		hi := lo + rng.Int63n(limit-lo+1)
		if rng.Intn(2) == 0 {
			if err := r.Include(lo, hi); err != nil {
				t.Fatalf("Include(%d,%d): %v", lo, hi, err)
			}
			for v := lo; v <= hi; v++ {
				naive[v] = true
			}
		} else {
			if err := r.Exclude(lo, hi); err != nil {
				t.Fatalf("Exclude(%d,%d): %v", lo, hi, err)
			}
			for v := lo; v <= hi; v++ {
				naive[v] = false
			}
		}
		for j := 1; j < len(r); j++ {
			if r[j-1].Hi == Inf || r[j].Lo <= r[j-1].Hi+1 {
				t.Fatalf("not disjoint after op %d: %v", i, r)
			}
		}
		for v := int64(1); v <= limit; v++ {
			if r.Contains(v) != naive[v] {
				t.Fatalf("Contains(%d) mismatch after op %d: %v", v, i, r)
			}
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	r := Ranges{{1, 5}, {9, Inf}}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[[1,5],[9,null]]" {
		t.Fatalf("unexpected encoding: %s", data)
	}
	var back Ranges
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	assertEqual(t, back, r)
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "push.ranges")
	r := Ranges{{3, 7}}
	if err := r.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertEqual(t, back, r)

	missing, err := Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if !missing.Empty() {
		t.Fatalf("expected empty ranges, got %v", missing)
	}
}

func assertEqual(t *testing.T, got, want Ranges) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
