package document

import (
	"errors"
	"fmt"
	"testing"

	"github.com/example/collab-edit/internal/ot"
)

func TestIngestCurrentRevision(t *testing.T) {
	s := NewStore(1, "main", "go", 0)

	applied, rev, err := s.Ingest(ot.Operation{ot.Insert("hello world")}, 0)
	if err != nil {
		t.Fatalf("ingest err: %v", err)
	}
	if rev != 1 {
		t.Fatalf("expected revision 1, got %d", rev)
	}
	if len(applied) != 1 || applied[0].Text != "hello world" {
		t.Fatalf("expected untransformed op, got %+v", applied)
	}

	content, rev := s.Snapshot()
	if content != "hello world" || rev != 1 {
		t.Fatalf("unexpected snapshot %q rev %d", content, rev)
	}
}

func TestIngestTransformsStaleOp(t *testing.T) {
	s := NewStore(1, "main", "go", 0)
	s.Reset("abc", 5)

	if _, _, err := s.Ingest(ot.Operation{ot.Insert("x"), ot.Retain(3)}, 5); err != nil {
		t.Fatalf("ingest A: %v", err)
	}

	applied, rev, err := s.Ingest(ot.Operation{ot.Insert("y"), ot.Retain(3)}, 5)
	if err != nil {
		t.Fatalf("ingest B: %v", err)
	}
	if rev != 7 {
		t.Fatalf("expected revision 7, got %d", rev)
	}
	want := ot.Operation{ot.Retain(1), ot.Insert("y"), ot.Retain(3)}
	if len(applied) != len(want) {
		t.Fatalf("expected %+v, got %+v", want, applied)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("primitive %d: expected %+v, got %+v", i, want[i], applied[i])
		}
	}

	content, _ := s.Snapshot()
	if content != "xyabc" {
		t.Fatalf("expected 'xyabc', got %q", content)
	}
}

func TestIngestOverlappingDeletes(t *testing.T) {
	s := NewStore(1, "main", "go", 0)
	s.Reset("hello world", 10)

	if _, _, err := s.Ingest(ot.Operation{ot.Delete(5), ot.Retain(6)}, 10); err != nil {
		t.Fatalf("ingest A: %v", err)
	}
	_, rev, err := s.Ingest(ot.Operation{ot.Retain(1), ot.Delete(6), ot.Retain(4)}, 10)
	if err != nil {
		t.Fatalf("ingest B: %v", err)
	}
	if rev != 12 {
		t.Fatalf("expected revision 12, got %d", rev)
	}
	content, _ := s.Snapshot()
	if content != "orld" {
		t.Fatalf("expected 'orld', got %q", content)
	}
}

func TestIngestRevisionBounds(t *testing.T) {
	s := NewStore(1, "main", "go", 0)

	if _, _, err := s.Ingest(ot.Operation{ot.Insert("x")}, 3); !errors.Is(err, ErrFutureRevision) {
		t.Fatalf("expected ErrFutureRevision, got %v", err)
	}

	s.Reset("seed", 500)
	if _, _, err := s.Ingest(ot.Operation{ot.Retain(4), ot.Insert("x")}, 350); !errors.Is(err, ErrRevisionTooOld) {
		t.Fatalf("expected ErrRevisionTooOld after reset, got %v", err)
	}
}

func TestIngestRejectsInvalidLength(t *testing.T) {
	s := NewStore(1, "main", "go", 0)
	s.Reset("abc", 1)

	if _, _, err := s.Ingest(ot.Operation{ot.Retain(9)}, 1); !errors.Is(err, ot.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if _, rev := s.Snapshot(); rev != 1 {
		t.Fatalf("rejected op must not bump revision, got %d", rev)
	}
}

func TestHistoryBoundAndEviction(t *testing.T) {
	limit := 10
	s := NewStore(1, "main", "go", limit)

	for i := 0; i < 25; i++ {
		if _, _, err := s.Ingest(ot.Operation{ot.Retain(int(i)), ot.Insert("a")}, int64(i)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	if len(s.history) != limit {
		t.Fatalf("expected history bounded at %d, got %d", limit, len(s.history))
	}

	// Exactly the oldest retained revision is still transformable.
	oldest := s.oldestRevision()
	if _, _, err := s.Ingest(ot.Operation{ot.Retain(int(oldest)), ot.Insert("b")}, oldest); err != nil {
		t.Fatalf("ingest at oldest retained revision: %v", err)
	}

	// One step before it is not.
	_, _, err := s.Ingest(ot.Operation{ot.Insert("c")}, s.oldestRevision()-1)
	if !errors.Is(err, ErrRevisionTooOld) {
		t.Fatalf("expected ErrRevisionTooOld, got %v", err)
	}
}

func TestIngestTransformsAgainstExactlyLastOp(t *testing.T) {
	s := NewStore(1, "main", "go", 0)
	s.Reset("abc", 3)

	if _, _, err := s.Ingest(ot.Operation{ot.Insert("Z"), ot.Retain(3)}, 3); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	applied, _, err := s.Ingest(ot.Operation{ot.Retain(3), ot.Insert("!")}, 3)
	if err != nil {
		t.Fatalf("ingest stale: %v", err)
	}
	content, _ := s.Snapshot()
	if content != "Zabc!" {
		t.Fatalf("expected 'Zabc!', got %q (applied %+v)", content, applied)
	}
}

func TestSnapshotResetRoundTrip(t *testing.T) {
	s := NewStore(1, "main", "go", 0)
	for i := 0; i < 3; i++ {
		if _, _, err := s.Ingest(ot.Operation{ot.Retain(int(i)), ot.Insert("x")}, int64(i)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	content, rev := s.Snapshot()
	fresh := NewStore(1, "main", "go", 0)
	fresh.Reset(content, rev)

	gotContent, gotRev := fresh.Snapshot()
	if gotContent != content || gotRev != rev {
		t.Fatalf("round trip mismatch: %q/%d vs %q/%d", gotContent, gotRev, content, rev)
	}
	if len(fresh.history) != 0 {
		t.Fatalf("reset must clear history")
	}
}

func TestIngestApplyCorrectnessInvariant(t *testing.T) {
	s := NewStore(1, "main", "go", 0)
	s.Reset("the quick brown fox", 1)

	ops := []struct {
		op   ot.Operation
		base int64
	}{
		{ot.Operation{ot.Retain(4), ot.Delete(6), ot.Retain(9)}, 1},
		{ot.Operation{ot.Insert(">> "), ot.Retain(19)}, 1},
		{ot.Operation{ot.Retain(19), ot.Insert(" jumps")}, 1},
	}

	for i, step := range ops {
		before, _ := s.Snapshot()
		applied, _, err := s.Ingest(step.op, step.base)
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		after, _ := s.Snapshot()
		check, err := ot.Apply(before, applied)
		if err != nil {
			t.Fatalf("re-apply %d: %v", i, err)
		}
		if check != after {
			t.Fatalf("apply(pre, transformed) != post: %q vs %q", check, after)
		}
	}
}

func TestConcurrentIngestLinearized(t *testing.T) {
	s := NewStore(1, "main", "go", 0)

	const writers = 8
	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			text := fmt.Sprintf("w%d;", w)
			for i := 0; i < 20; i++ {
				content, rev := s.Snapshot()
				op := ot.Operation{ot.Insert(text)}
				if n := len([]rune(content)); n > 0 {
					op = ot.Operation{ot.Retain(n), ot.Insert(text)}
				}
				if _, _, err := s.Ingest(op, rev); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(w)
	}
	for w := 0; w < writers; w++ {
		if err := <-done; err != nil {
			t.Fatalf("writer failed: %v", err)
		}
	}
	if _, rev := s.Snapshot(); rev != writers*20 {
		t.Fatalf("expected %d revisions, got %d", writers*20, rev)
	}
}
