package orset

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndContains(t *testing.T) {
	s := New[string]()
	s.Add("apple", "tag1")
	require.True(t, s.Contains("apple"))
	require.False(t, s.Contains("banana"))
}

func TestRemoveThenAddIsAddWins(t *testing.T) {
	s := New[string]()
	s.Add("apple", "tag1")
	s.Remove("apple")
	require.False(t, s.Contains("apple"))

	s.Add("apple", "tag2")
	require.True(t, s.Contains("apple"))
}

// TestConcurrentAddWinsOverRemove is the add-wins scenario: replica A
// removes an element while replica B concurrently re-adds it under a
// fresh tag A never observed; after merging, the element must survive.
func TestConcurrentAddWinsOverRemove(t *testing.T) {
	a := New[string]()
	a.Add("x", "tag1")

	b := New[string]()
	b.Merge(a) // b observes the original add

	a.Remove("x") // a removes what it has observed (tag1)
	b.Add("x", "tag2") // b concurrently re-adds under a new tag

	a.Merge(b)
	require.True(t, a.Contains("x"), "add-wins: concurrent re-add must survive a remove of the prior tag")
}

func TestMergeCommutativeAndIdempotent(t *testing.T) {
	a := New[string]()
	a.Add("x", "t1")
	a.Add("y", "t2")

	b := New[string]()
	b.Add("x", "t3")
	b.Remove("y") // no-op: b never observed y's tag

	ab := New[string]()
	ab.Merge(a)
	ab.Merge(b)

	ba := New[string]()
	ba.Merge(b)
	ba.Merge(a)

	require.ElementsMatch(t, sortedValues(ab), sortedValues(ba))

	again := New[string]()
	again.Merge(ab)
	again.Merge(ab)
	require.ElementsMatch(t, sortedValues(ab), sortedValues(again))
}

func sortedValues(s *Set[string]) []string {
	v := s.Values()
	sort.Strings(v)
	return v
}

func TestGenericOverIntElements(t *testing.T) {
	s := New[int]()
	s.Add(1, "a")
	s.Add(2, "b")
	s.Remove(1)
	require.ElementsMatch(t, []int{2}, s.Values())
}
