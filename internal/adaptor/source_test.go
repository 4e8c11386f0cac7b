package adaptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceQualityTracksMedianLatency(t *testing.T) {
	fed := &fakeFederation{}
	s := newTestSource(fed, "a.example.org:1094", initialQuality)

	for i := 0; i < 10; i++ {
		s.recordOperation(40*time.Millisecond, false)
	}
	assert.Equal(t, int64(40), s.Quality())

	// A couple of slow outliers barely move the median.
	s.recordOperation(5*time.Second, false)
	s.recordOperation(5*time.Second, false)
	assert.Equal(t, int64(40), s.Quality())
}

func TestSourceQualityPenalizesFailures(t *testing.T) {
	fed := &fakeFederation{}
	s := newTestSource(fed, "a.example.org:1094", initialQuality)

	for i := 0; i < qualityWindow; i++ {
		s.recordOperation(time.Millisecond, true)
	}
	assert.Greater(t, s.Quality(), int64(qualityAbsoluteFloor))
}

func TestSourceQualityWindowSlides(t *testing.T) {
	fed := &fakeFederation{}
	s := newTestSource(fed, "a.example.org:1094", initialQuality)

	for i := 0; i < qualityWindow; i++ {
		s.recordOperation(time.Second, false)
	}
	assert.Equal(t, int64(1000), s.Quality())

	// Enough fast operations push the slow ones out of the window.
	for i := 0; i < qualityWindow; i++ {
		s.recordOperation(5*time.Millisecond, false)
	}
	assert.Equal(t, int64(5), s.Quality())
}

func TestSourceQualityNeverBelowOne(t *testing.T) {
	fed := &fakeFederation{}
	s := newTestSource(fed, "a.example.org:1094", initialQuality)
	s.recordOperation(0, false)
	assert.Equal(t, int64(1), s.Quality())
}

func TestSourceLastDowngrade(t *testing.T) {
	fed := &fakeFederation{}
	s := newTestSource(fed, "a.example.org:1094", 50)
	assert.True(t, s.LastDowngrade().IsZero())

	now := time.Now()
	s.SetLastDowngrade(now)
	assert.Equal(t, now.UnixNano(), s.LastDowngrade().UnixNano())
}
