package wake

import "testing"

func TestNotifyCoalesces(t *testing.T) {
	s := New()

	// Rapid mutations collapse into a single pending signal.
	s.Notify()
	s.Notify()
	s.Notify()

	select {
	case <-s.C():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-s.C():
		t.Fatal("signals must coalesce into one wake")
	default:
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	s := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Notify()
		}
		close(done)
	}()
	<-done
}

func TestDrainClearsPendingSignal(t *testing.T) {
	s := New()
	s.Notify()
	s.Drain()
	select {
	case <-s.C():
		t.Fatal("drain should have cleared the slot")
	default:
	}

	// Drain on an empty slot is a no-op.
	s.Drain()
	s.Notify()
	select {
	case <-s.C():
	default:
		t.Fatal("notify after drain should signal again")
	}
}
