package reliability

import (
	"testing"
	"time"
)

func TestRTTDefaultBeforeSamples(t *testing.T) {
	e := NewRTTEstimator(0)
	if e.RTT() != DefaultRTT {
		t.Fatalf("unsampled RTT = %v, want %v", e.RTT(), DefaultRTT)
	}
}

func TestRTTFirstSampleAdoptedWhole(t *testing.T) {
	e := NewRTTEstimator(0.1)
	e.Observe(80 * time.Millisecond)
	if e.RTT() != 80*time.Millisecond {
		t.Fatalf("first sample: %v", e.RTT())
	}
}

func TestRTTSmoothing(t *testing.T) {
	e := NewRTTEstimator(0.1)
	e.Observe(100 * time.Millisecond)
	e.Observe(200 * time.Millisecond)
	// srtt = 100 + 0.1*(200-100) = 110ms
	if e.RTT() != 110*time.Millisecond {
		t.Fatalf("smoothed RTT = %v, want 110ms", e.RTT())
	}
	// One outlier must not swing the estimate to the sample.
	e.Observe(2 * time.Second)
	if e.RTT() >= time.Second {
		t.Fatalf("outlier dominated the estimate: %v", e.RTT())
	}
}

func TestRTOFloor(t *testing.T) {
	e := NewRTTEstimator(0.1)
	e.Observe(time.Millisecond)
	e.Observe(time.Millisecond)
	if e.RTO() < 20*time.Millisecond {
		t.Fatalf("RTO below floor: %v", e.RTO())
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	e := NewRTTEstimator(0.1)
	e.Observe(100 * time.Millisecond)
	base := e.RTO()

	if got := e.Backoff(0, 10*time.Second); got != base {
		t.Fatalf("attempt 0: %v, want %v", got, base)
	}
	if got := e.Backoff(2, 10*time.Second); got != base*4 {
		t.Fatalf("attempt 2: %v, want %v", got, base*4)
	}
	if got := e.Backoff(20, 2*time.Second); got != 2*time.Second {
		t.Fatalf("capped backoff: %v", got)
	}
}

func TestObserveIgnoresNegative(t *testing.T) {
	e := NewRTTEstimator(0.1)
	e.Observe(-time.Second)
	if e.RTT() != DefaultRTT {
		t.Fatalf("negative sample observed: %v", e.RTT())
	}
}
