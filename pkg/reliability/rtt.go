// Package reliability implements the acknowledgment and retransmission
// machinery shared by all reliable channels: packet-level selective acks,
// a smoothed round-trip estimator, and retransmit deadlines with
// exponential backoff. All time values are logical durations advanced by
// the dispatcher tick, never wall-clock reads.
package reliability

import "time"

const (
	// DefaultRTT seeds the estimator before the first sample.
	DefaultRTT = 100 * time.Millisecond

	// DefaultSmoothing is the EWMA factor applied to new samples.
	DefaultSmoothing = 0.1

	rtoFloor = 20 * time.Millisecond
)

// RTTEstimator keeps an exponentially weighted moving average of observed
// ack latency plus a variance term, in the style of RFC 6298.
type RTTEstimator struct {
	smoothing float64
	srtt      time.Duration
	rttvar    time.Duration
	sampled   bool
}

// NewRTTEstimator returns an estimator with the given smoothing factor.
// A zero factor selects DefaultSmoothing.
func NewRTTEstimator(smoothing float64) *RTTEstimator {
	if smoothing <= 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	return &RTTEstimator{smoothing: smoothing}
}

// Observe folds one round-trip sample into the estimate.
func (e *RTTEstimator) Observe(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !e.sampled {
		e.srtt = sample
		e.rttvar = sample / 2
		e.sampled = true
		return
	}
	dev := e.srtt - sample
	if dev < 0 {
		dev = -dev
	}
	e.rttvar += time.Duration(e.smoothing * float64(dev-e.rttvar))
	e.srtt += time.Duration(e.smoothing * float64(sample-e.srtt))
}

// RTT returns the smoothed round-trip estimate.
func (e *RTTEstimator) RTT() time.Duration {
	if !e.sampled {
		return DefaultRTT
	}
	return e.srtt
}

// RTO returns the base retransmit timeout: the smoothed estimate plus four
// times the variance, floored so a jitter-free link cannot spin.
func (e *RTTEstimator) RTO() time.Duration {
	rto := e.RTT() + 4*e.rttvar
	if rto < rtoFloor {
		rto = rtoFloor
	}
	return rto
}

// Backoff returns the retransmit deadline offset for the given attempt
// count: RTO doubled per prior attempt, capped at max.
func (e *RTTEstimator) Backoff(attempts int, max time.Duration) time.Duration {
	rto := e.RTO()
	for i := 0; i < attempts; i++ {
		rto *= 2
		if rto >= max {
			return max
		}
	}
	if max > 0 && rto > max {
		rto = max
	}
	return rto
}
