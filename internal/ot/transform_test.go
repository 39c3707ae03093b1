package ot

import (
	"errors"
	"math/rand"
	"testing"
)

// convergence checks TP1 for a pair of concurrent operations over base.
func convergence(t *testing.T, base string, a, b Operation) string {
	t.Helper()

	aPrime, err := Transform(a, b, SideRight)
	if err != nil {
		t.Fatalf("transform a against b: %v", err)
	}
	bPrime, err := Transform(b, a, SideLeft)
	if err != nil {
		t.Fatalf("transform b against a: %v", err)
	}

	afterA, err := Apply(base, a)
	if err != nil {
		t.Fatalf("apply a: %v", err)
	}
	left, err := Apply(afterA, bPrime)
	if err != nil {
		t.Fatalf("apply b': %v", err)
	}

	afterB, err := Apply(base, b)
	if err != nil {
		t.Fatalf("apply b: %v", err)
	}
	right, err := Apply(afterB, aPrime)
	if err != nil {
		t.Fatalf("apply a': %v", err)
	}

	if left != right {
		t.Fatalf("divergence: %q vs %q (base %q, a %+v, b %+v)", left, right, base, a, b)
	}
	return left
}

func TestTransformSamePositionInsertTieBreak(t *testing.T) {
	// Both clients insert at the head of "abc"; the server applies A first
	// and transforms B against it with side=left, so B's text lands after.
	a := Operation{Insert("x"), Retain(3)}
	b := Operation{Insert("y"), Retain(3)}

	bPrime, err := Transform(b, a, SideLeft)
	if err != nil {
		t.Fatalf("transform err: %v", err)
	}
	want := Operation{Retain(1), Insert("y"), Retain(3)}
	if len(bPrime) != len(want) {
		t.Fatalf("expected %+v, got %+v", want, bPrime)
	}
	for i := range want {
		if bPrime[i] != want[i] {
			t.Fatalf("primitive %d: expected %+v, got %+v", i, want[i], bPrime[i])
		}
	}

	if got := convergence(t, "abc", a, b); got != "xyabc" {
		t.Fatalf("expected 'xyabc', got %q", got)
	}
}

func TestTransformOverlappingDeletes(t *testing.T) {
	// A deletes "hello", B deletes "ello w"; overlap must not be deleted
	// twice.
	a := Operation{Delete(5), Retain(6)}
	b := Operation{Retain(1), Delete(6), Retain(4)}

	if got := convergence(t, "hello world", a, b); got != "orld" {
		t.Fatalf("expected 'orld', got %q", got)
	}
}

func TestTransformInsertInsideDelete(t *testing.T) {
	a := Operation{Retain(2), Insert("XY"), Retain(3)}
	b := Operation{Retain(1), Delete(3), Retain(1)}
	convergence(t, "abcde", a, b)
}

func TestTransformAgainstIdentity(t *testing.T) {
	op := Operation{Retain(2), Insert("zz"), Delete(1), Retain(2)}
	got, err := Transform(op, Identity(5), SideLeft)
	if err != nil {
		t.Fatalf("transform err: %v", err)
	}
	if len(got) != len(op) {
		t.Fatalf("expected identity transform to preserve op, got %+v", got)
	}
	for i := range op {
		if got[i] != op[i] {
			t.Fatalf("primitive %d: expected %+v, got %+v", i, op[i], got[i])
		}
	}
}

func TestTransformIncompatibleLengths(t *testing.T) {
	a := Operation{Retain(3)}
	b := Operation{Retain(5)}
	if _, err := Transform(a, b, SideLeft); !errors.Is(err, ErrIncompatibleOperations) {
		t.Fatalf("expected ErrIncompatibleOperations, got %v", err)
	}
}

func TestTransformConvergenceRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abcdefgh")

	randomDoc := func(n int) string {
		buf := make([]rune, n)
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(buf)
	}

	randomOp := func(baseLen int) Operation {
		var op Operation
		remaining := baseLen
		for remaining > 0 {
			switch rng.Intn(3) {
			case 0:
				n := 1 + rng.Intn(remaining)
				op = append(op, Retain(n))
				remaining -= n
			case 1:
				n := 1 + rng.Intn(remaining)
				op = append(op, Delete(n))
				remaining -= n
			case 2:
				op = append(op, Insert(randomDoc(1+rng.Intn(4))))
			}
		}
		if rng.Intn(2) == 0 {
			op = append(op, Insert(randomDoc(1+rng.Intn(4))))
		}
		return Compact(op)
	}

	for trial := 0; trial < 500; trial++ {
		base := randomDoc(rng.Intn(20))
		a := randomOp(len([]rune(base)))
		b := randomOp(len([]rune(base)))
		if len(a) == 0 && len(b) == 0 {
			continue
		}
		convergence(t, base, a, b)
	}
}
