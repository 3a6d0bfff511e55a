package fugue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seedHello(t *Text) {
	for i, r := range "HELLO" {
		t.Insert(i, string(r))
	}
}

func TestLocalInsertAndDelete(t *testing.T) {
	txt := New("r1")
	seedHello(txt)
	require.Equal(t, "HELLO", txt.String())

	txt.Delete(1, 2) // remove "EL"
	require.Equal(t, "HLO", txt.String())

	txt.Insert(1, "XY")
	require.Equal(t, "HXYLO", txt.String())
}

// replicate re-derives a second replica's text by applying, in the
// given order, every op a has ever produced.
func replicate(ops []Op, replica string) *Text {
	t2 := New(replica)
	for _, op := range ops {
		if err := t2.ApplyRemote(op); err != nil {
			panic(err)
		}
	}
	return t2
}

func TestApplyRemoteConverges(t *testing.T) {
	a := New("r1")
	var ops []Op
	a.Subscribe(func(batch []Op) { ops = append(ops, batch...) })
	seedHello(a)

	b := replicate(ops, "r2")
	require.Equal(t, a.String(), b.String())
}

func TestDuplicateApplyIsNoop(t *testing.T) {
	a := New("r1")
	var ops []Op
	a.Subscribe(func(batch []Op) { ops = append(ops, batch...) })
	a.Insert(0, "hi")

	b := New("r2")
	for _, op := range ops {
		require.NoError(t, b.ApplyRemote(op))
	}
	for _, op := range ops {
		require.NoError(t, b.ApplyRemote(op)) // re-apply: no-op
	}
	require.Equal(t, "hi", b.String())
}

// TestConcurrentInsertAtSameBoundary is scenario 4 from spec.md §8:
// two replicas concurrently insert a single character between the
// same pair of origins. Both must converge to the same string,
// deterministically, regardless of delivery order.
func TestConcurrentInsertAtSameBoundary(t *testing.T) {
	base := New("seed")
	var baseOps []Op
	base.Subscribe(func(b []Op) { baseOps = append(baseOps, b...) })
	seedHello(base) // "HELLO"

	newReplicaFromBase := func(replica string) *Text {
		t2 := New(replica)
		for _, op := range baseOps {
			require.NoError(t, t2.ApplyRemote(op))
		}
		return t2
	}

	a := newReplicaFromBase("clientA")
	b := newReplicaFromBase("clientB")

	aOps := a.Insert(1, "X") // between H and E
	bOps := b.Insert(1, "Y") // between H and E, concurrently

	// Deliver in both orders at two more replicas and compare.
	r1 := newReplicaFromBase("r1")
	for _, op := range aOps {
		require.NoError(t, r1.ApplyRemote(op))
	}
	for _, op := range bOps {
		require.NoError(t, r1.ApplyRemote(op))
	}

	r2 := newReplicaFromBase("r2")
	for _, op := range bOps {
		require.NoError(t, r2.ApplyRemote(op))
	}
	for _, op := range aOps {
		require.NoError(t, r2.ApplyRemote(op))
	}

	require.Equal(t, r1.String(), r2.String())
	require.Contains(t, []string{"HXYELLO", "HYXELLO"}, r1.String())

	// a and b themselves, once they see each other's op, must also agree.
	for _, op := range bOps {
		require.NoError(t, a.ApplyRemote(op))
	}
	for _, op := range aOps {
		require.NoError(t, b.ApplyRemote(op))
	}
	require.Equal(t, a.String(), b.String())
	require.Equal(t, r1.String(), a.String())
}

func TestBatchDefersEmission(t *testing.T) {
	txt := New("r1")
	var calls int
	var lastBatchSize int
	txt.Subscribe(func(ops []Op) {
		calls++
		lastBatchSize = len(ops)
	})

	txt.Insert(0, "hello")
	require.Equal(t, 1, calls)

	txt.BeginBatch()
	txt.Delete(0, 5)
	txt.Insert(0, "bye")
	require.Equal(t, 1, calls, "ops during batch must not emit yet")
	txt.EndBatch()
	require.Equal(t, 2, calls)
	require.Equal(t, 8, lastBatchSize) // 5 deletes + 3 inserts flushed together
}

func TestIndexAndCharacterIDRoundTrip(t *testing.T) {
	txt := New("r1")
	seedHello(txt)
	id, err := txt.CharacterIDAtIndex(2)
	require.NoError(t, err)
	require.Equal(t, 2, txt.IndexOfCharacterID(id))
}

func TestConvergenceAcrossManyConcurrentInserts(t *testing.T) {
	base := New("seed")
	var baseOps []Op
	base.Subscribe(func(b []Op) { baseOps = append(baseOps, b...) })
	base.Insert(0, "ac")

	repl := func(name string) *Text {
		r := New(name)
		for _, op := range baseOps {
			require.NoError(t, r.ApplyRemote(op))
		}
		return r
	}

	a := repl("alpha")
	b := repl("bravo")
	c := repl("charlie")

	opsA := a.Insert(1, "1") // between a and c
	opsB := b.Insert(1, "2")
	opsC := c.Insert(1, "3")

	all := append(append(append([]Op{}, opsA...), opsB...), opsC...)

	order1 := repl("order1")
	for _, op := range all {
		require.NoError(t, order1.ApplyRemote(op))
	}

	reversed := make([]Op, len(all))
	for i, op := range all {
		reversed[len(all)-1-i] = op
	}
	order2 := repl("order2")
	for _, op := range reversed {
		require.NoError(t, order2.ApplyRemote(op))
	}

	require.Equal(t, order1.String(), order2.String())
}
