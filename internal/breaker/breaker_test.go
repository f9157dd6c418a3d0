// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newUploadBreaker mirrors how the worker engine configures its upload
// gate: short window and cooldown so tests run fast, 50% failure
// threshold, a handful of samples before the rate is trusted.
func newUploadBreaker(minSamples int) *CircuitBreaker {
	return New(2*time.Second, 50*time.Millisecond, 0.5, minSamples)
}

func TestBurstOfFailedUploadsOpensBreaker(t *testing.T) {
	cb := newUploadBreaker(4)
	require.Equal(t, Closed, cb.State())

	// Two tiles land, then the bucket starts refusing everything.
	cb.Record(true)
	cb.Record(true)
	cb.Record(false)
	require.Equal(t, Closed, cb.State(), "too few samples to judge a failure rate")

	cb.Record(false)
	assert.Equal(t, Open, cb.State(), "half the window failing meets the 50% threshold")
	assert.False(t, cb.Allow(), "no uploads while open and inside cooldown")
}

func TestOccasionalUploadFailuresStayClosed(t *testing.T) {
	cb := newUploadBreaker(4)
	for i := 0; i < 20; i++ {
		cb.Record(true)
		cb.Record(true)
		cb.Record(true)
		cb.Record(false)
	}
	assert.Equal(t, Closed, cb.State(), "a 25% failure rate must not trip a 50% threshold")
	assert.True(t, cb.Allow())
}

func TestProbeSuccessClosesProbeFailureReopens(t *testing.T) {
	cb := newUploadBreaker(2)
	cb.Record(false)
	cb.Record(false)
	require.Equal(t, Open, cb.State())

	// First recovery attempt: the probe upload fails too.
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow(), "cooldown elapsed, one probe allowed")
	cb.Record(false)
	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow(), "failed probe restarts the cooldown")

	// Second recovery attempt: credentials rejoined, the probe lands.
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.Record(true)
	assert.Equal(t, Closed, cb.State())
	assert.True(t, cb.Allow(), "closed breaker admits the next task's upload")
}

// The worker pool can have many goroutines hit Allow() at once while the
// breaker is half-open; exactly one may carry the probe upload, the rest
// wait out the next poll.
func TestHalfOpenAdmitsSingleProbeUnderConcurrentWorkers(t *testing.T) {
	cb := newUploadBreaker(2)
	cb.Record(false)
	cb.Record(false)
	require.Equal(t, Open, cb.State())
	time.Sleep(60 * time.Millisecond)

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, admitted)

	// The probe succeeds; every waiting worker gets through afterwards.
	cb.Record(true)
	require.Equal(t, Closed, cb.State())
	for i := 0; i < workers; i++ {
		assert.True(t, cb.Allow())
	}
}

func TestWindowExpiryForgetsOldFailures(t *testing.T) {
	cb := New(30*time.Millisecond, 10*time.Millisecond, 0.5, 3)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(40 * time.Millisecond)

	// The old failures have aged out of the window; fresh successes are
	// judged on their own.
	cb.Record(true)
	cb.Record(true)
	cb.Record(true)
	assert.Equal(t, Closed, cb.State())
	assert.True(t, cb.Allow())
}
