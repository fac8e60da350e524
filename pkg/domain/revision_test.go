package domain

import (
	"sync"
	"testing"
)

func TestRevisionDirtyLifecycle(t *testing.T) {
	var r Revision
	if r.Dirty() {
		t.Fatalf("zero revision should be clean")
	}
	r.Touch()
	if !r.Dirty() {
		t.Fatalf("touched revision should be dirty")
	}
	r.MarkSaved(r.ModCount())
	if r.Dirty() {
		t.Fatalf("revision should be clean after MarkSaved at current mod count")
	}
}

func TestRevisionMutationDuringSaveStaysDirty(t *testing.T) {
	var r Revision
	r.Touch()
	observed := r.ModCount()

	// A mutation lands while the save is in flight.
	r.Touch()
	r.MarkSaved(observed)

	if !r.Dirty() {
		t.Fatalf("mutation concurrent with save must leave the entity dirty")
	}
	r.MarkSaved(r.ModCount())
	if r.Dirty() {
		t.Fatalf("second save should clean the entity")
	}
}

func TestRevisionMarkSavedNeverMovesBackward(t *testing.T) {
	var r Revision
	r.Touch()
	r.Touch()
	r.MarkSaved(2)
	r.MarkSaved(1)
	if r.Dirty() {
		t.Fatalf("stale MarkSaved must not regress the saved counter")
	}
}

func TestRevisionConcurrentTouch(t *testing.T) {
	var r Revision
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Touch()
			}
		}()
	}
	wg.Wait()
	if got := r.ModCount(); got != 800 {
		t.Fatalf("mod count = %d, want 800", got)
	}
}
