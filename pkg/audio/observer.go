package audio

import (
	"log"
	"sync"
)

// RateObserver reconciles a track's declared sample rate with the rate
// actually observed on decoded frames. Documented rates have been seen
// to differ from what the wire carries, so the first frame wins: a
// mismatch is logged once and the observed rate is adopted. A second
// rate change within the same stream means a mid-session codec
// renegotiation the bridge does not support and is reported as fatal.
type RateObserver struct {
	mu       sync.Mutex
	declared int
	observed int
	adopted  bool
	label    string
}

// NewRateObserver creates an observer for a track declared at rate.
func NewRateObserver(label string, declared int) *RateObserver {
	return &RateObserver{label: label, declared: declared}
}

// Observe records the rate of a decoded frame and returns the rate the
// pipeline must use plus fatal=true if the stream changed rate after
// the first frame.
func (o *RateObserver) Observe(rate int) (effective int, fatal bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.adopted {
		o.adopted = true
		o.observed = rate
		if rate != o.declared {
			log.Printf("[audio %s] declared rate %d Hz but observed %d Hz, adopting observed rate",
				o.label, o.declared, rate)
		}
		return o.observed, false
	}
	if rate != o.observed {
		log.Printf("[audio %s] rate changed mid-stream from %d Hz to %d Hz", o.label, o.observed, rate)
		return o.observed, true
	}
	return o.observed, false
}

// Rate returns the effective rate, falling back to the declared rate
// before the first frame.
func (o *RateObserver) Rate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.adopted {
		return o.observed
	}
	return o.declared
}

// DecodeErrorThreshold is the number of consecutive decode failures
// after which ErrorCounter trips.
const DecodeErrorThreshold = 50

// ErrorCounter tracks consecutive decode failures on one stream.
// Single bad packets are dropped silently; a sustained run of failures
// is surfaced once so the session can emit an error event without
// tearing down.
type ErrorCounter struct {
	mu          sync.Mutex
	consecutive int
	threshold   int
	tripped     bool
}

// NewErrorCounter creates a counter tripping after threshold
// consecutive failures. threshold <= 0 uses DecodeErrorThreshold.
func NewErrorCounter(threshold int) *ErrorCounter {
	if threshold <= 0 {
		threshold = DecodeErrorThreshold
	}
	return &ErrorCounter{threshold: threshold}
}

// Failure records a decode failure and returns true exactly once, when
// the consecutive-failure threshold is reached.
func (c *ErrorCounter) Failure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive++
	if c.consecutive >= c.threshold && !c.tripped {
		c.tripped = true
		return true
	}
	return false
}

// Success resets the consecutive-failure run.
func (c *ErrorCounter) Success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
	c.tripped = false
}
