package failure

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestHeartbeatClearsSuspicion(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	d := New(Config{ExpectedInterval: 100 * time.Millisecond}, fc)
	d.Monitor("n1")

	var suspected, recovered bool
	d.OnEvent(ListenerFuncs{
		OnSuspected: func(string, float64) { suspected = true },
		OnRecovered: func(string) { recovered = true },
	})

	fc.advance(2 * time.Second)
	d.checkAll()
	if !suspected {
		t.Fatalf("expected peer to be suspected after silence")
	}

	d.Heartbeat("n1")
	if !recovered {
		t.Fatalf("expected peer to be marked recovered on heartbeat")
	}
}

func TestConfirmAfterTimeout(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	d := New(Config{ExpectedInterval: 10 * time.Millisecond, ConfirmationTimeout: time.Millisecond}, fc)
	d.Monitor("n1")

	confirmed := make(chan struct{})
	d.OnEvent(ListenerFuncs{
		OnConfirmedFailed: func(string) { close(confirmed) },
	})

	fc.advance(time.Second)
	d.checkAll()

	select {
	case <-confirmed:
	case <-time.After(time.Second):
		t.Fatalf("expected ConfirmedFailed after confirmation timeout")
	}

	if d.Phi("n1") != 0 {
		t.Fatalf("expected peer removed after confirmation")
	}
}

func TestPhiGrowsWithSilence(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	d := New(Config{ExpectedInterval: 50 * time.Millisecond}, fc)
	d.Monitor("n1")
	for i := 0; i < 10; i++ {
		fc.advance(50 * time.Millisecond)
		d.Heartbeat("n1")
	}

	p1 := d.Phi("n1")
	fc.advance(500 * time.Millisecond)
	p2 := d.Phi("n1")
	if p2 <= p1 {
		t.Fatalf("expected phi to grow with silence: %f -> %f", p1, p2)
	}
}

func TestForgetStopsTracking(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	d := New(Config{}, fc)
	d.Monitor("n1")
	d.Forget("n1")
	if d.Phi("n1") != 0 {
		t.Fatalf("expected zero phi for untracked peer")
	}
}
