package replay

import "testing"

func TestAcceptsInOrder(t *testing.T) {
	var f Filter
	for i := uint64(0); i < 10; i++ {
		if !f.Accept(i) {
			t.Fatalf("counter %d: expected accept", i)
		}
	}
}

func TestRejectsDuplicate(t *testing.T) {
	var f Filter
	if !f.Accept(5) {
		t.Fatal("expected first acceptance of 5")
	}
	if f.Accept(5) {
		t.Fatal("expected duplicate counter 5 to be rejected")
	}
}

func TestAcceptsOutOfOrderWithinWindow(t *testing.T) {
	var f Filter
	if !f.Accept(100) {
		t.Fatal("expected accept of 100")
	}
	if !f.Accept(90) {
		t.Fatal("expected accept of 90 (within window, unseen)")
	}
	if f.Accept(90) {
		t.Fatal("expected second delivery of 90 to be rejected")
	}
}

func TestRejectsTooFarBehindWindow(t *testing.T) {
	var f Filter
	if !f.Accept(windowSize + 100) {
		t.Fatal("expected accept of high counter")
	}
	if f.Accept(5) {
		t.Fatal("expected counter far behind the window to be rejected")
	}
}

func TestRejectsAtRejectAfterMessages(t *testing.T) {
	var f Filter
	if f.Accept(1 << 60) {
		t.Fatal("expected counter at RejectAfterMessages to be rejected")
	}
}

func TestWindowSlidesForward(t *testing.T) {
	var f Filter
	for i := uint64(0); i < 5000; i++ {
		if !f.Accept(i) {
			t.Fatalf("counter %d: expected accept on first delivery", i)
		}
	}
	// The oldest counters should now be outside the window.
	if f.Accept(0) {
		t.Fatal("expected counter 0 to have slid out of the window")
	}
}
