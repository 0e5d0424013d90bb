package session

import (
	"sync"
	"testing"
)

func TestTrackerAdmit(t *testing.T) {
	tracker := NewTracker()

	if !tracker.Admit("r1") {
		t.Fatal("Expected first admission to succeed")
	}
	if tracker.Admit("r1") {
		t.Error("Expected duplicate admission to be rejected while in progress")
	}

	status, exists := tracker.Status("r1")
	if !exists || status != StatusInProgress {
		t.Errorf("Expected in_progress, got %q (exists=%v)", status, exists)
	}

	tracker.Finish("r1")
	status, _ = tracker.Status("r1")
	if status != StatusDone {
		t.Errorf("Expected done, got %q", status)
	}

	// A finished request is still a duplicate; retries need a fresh id.
	if tracker.Admit("r1") {
		t.Error("Expected admission of a done requestId to be rejected")
	}
	if !tracker.Admit("r2") {
		t.Error("Expected a fresh requestId to be admitted")
	}
}

func TestTrackerFinishUnknown(t *testing.T) {
	tracker := NewTracker()
	tracker.Finish("never-admitted")

	if _, exists := tracker.Status("never-admitted"); exists {
		t.Error("Finish must not create entries for unknown requestIds")
	}
}

func TestTrackerConcurrentAdmit(t *testing.T) {
	tracker := NewTracker()

	const workers = 32
	admitted := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- tracker.Admit("shared")
		}()
	}
	wg.Wait()
	close(admitted)

	wins := 0
	for ok := range admitted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one admission, got %d", wins)
	}
}
