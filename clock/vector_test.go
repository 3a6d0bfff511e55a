package clock

import "testing"

func TestIncrementInsertsAtOne(t *testing.T) {
	v := New()
	v.Increment("a")
	if got := v.Get("a"); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	v.Increment("a")
	if got := v.Get("a"); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestMergeIsPointwiseMax(t *testing.T) {
	a := Vector{"x": 3, "y": 1}
	b := Vector{"x": 1, "y": 5, "z": 2}
	a.Merge(b)
	want := Vector{"x": 3, "y": 5, "z": 2}
	if !a.Equal(want) {
		t.Fatalf("got %v, want %v", a, want)
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b Vector
		want Ordering
	}{
		{"equal-empty", Vector{}, Vector{}, Equal},
		{"equal-values", Vector{"a": 2}, Vector{"a": 2}, Equal},
		{"less", Vector{"a": 1}, Vector{"a": 2}, Less},
		{"greater", Vector{"a": 2}, Vector{"a": 1}, Greater},
		{"concurrent", Vector{"a": 2, "b": 0}, Vector{"a": 1, "b": 1}, Concurrent},
		{"absent-key-is-zero", Vector{"a": 0}, Vector{}, Equal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Fatalf("Compare(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestMergeIdempotentAndCommutative(t *testing.T) {
	a := Vector{"a": 2, "b": 1}
	b := Vector{"a": 1, "b": 3, "c": 5}

	ab := a.Clone()
	ab.Merge(b)

	ba := b.Clone()
	ba.Merge(a)

	if !ab.Equal(ba) {
		t.Fatalf("merge not commutative: %v vs %v", ab, ba)
	}

	again := ab.Clone()
	again.Merge(ab)
	if !again.Equal(ab) {
		t.Fatalf("merge not idempotent: %v vs %v", again, ab)
	}
}
