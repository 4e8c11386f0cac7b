package adaptor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/hepio/xrdfed/internal/logger"
	"github.com/hepio/xrdfed/internal/xrdcl"
)

const (
	// initialQuality is assigned to a freshly opened source before any
	// operation has been observed
	initialQuality = 260

	// qualityWindow is the number of recent operations the quality score
	// is computed over
	qualityWindow = 20

	// failurePenaltyMS is added to the latency sample of a failed
	// operation so that error-prone sources score badly even when they
	// fail fast
	failurePenaltyMS = 5130
)

// Source wraps one open replica connection. Its quality score is a
// non-negative integer where lower is better, maintained from the observed
// latency of recent operations.
type Source struct {
	id string
	fh xrdcl.File

	quality       atomic.Int64
	lastDowngrade atomic.Int64 // unix nanos; 0 = never downgraded

	mu        sync.Mutex
	latencies []float64 // milliseconds per operation, most recent last
}

// NewSource wraps an open file handle. id is the data-server identity,
// typically host:port.
func NewSource(now time.Time, id string, fh xrdcl.File) *Source {
	s := &Source{id: id, fh: fh}
	s.quality.Store(initialQuality)
	return s
}

// ID returns the server identity of the source
func (s *Source) ID() string {
	return s.id
}

// Quality returns the current quality score; lower is better
func (s *Source) Quality() int64 {
	return s.quality.Load()
}

// LastDowngrade returns the time the source was last demoted from the
// active set, or the zero time if it never was.
func (s *Source) LastDowngrade() time.Time {
	nanos := s.lastDowngrade.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// SetLastDowngrade records a demotion timestamp
func (s *Source) SetLastDowngrade(t time.Time) {
	s.lastDowngrade.Store(t.UnixNano())
}

// FileHandle returns the underlying transport file
func (s *Source) FileHandle() xrdcl.File {
	return s.fh
}

// recordOperation folds one completed operation into the quality score.
// The score is the median per-operation latency in milliseconds over the
// most recent window.
func (s *Source) recordOperation(elapsed time.Duration, failed bool) {
	sample := float64(elapsed) / float64(time.Millisecond)
	if failed {
		sample += failurePenaltyMS
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, sample)
	if len(s.latencies) > qualityWindow {
		s.latencies = s.latencies[len(s.latencies)-qualityWindow:]
	}
	window := make([]float64, len(s.latencies))
	copy(window, s.latencies)
	s.mu.Unlock()

	median, err := stats.Median(window)
	if err != nil {
		return
	}
	quality := int64(median)
	if quality < 1 {
		quality = 1
	}
	s.quality.Store(quality)
}

// Handle dispatches a request against this source on its own goroutine.
// On transient failure the manager's recovery path re-dispatches the
// request elsewhere; the request's future resolves either way.
func (s *Source) Handle(c *ClientRequest) {
	c.setCurrentSource(s)
	go s.dispatch(c)
}

func (s *Source) dispatch(c *ClientRequest) {
	start := time.Now()
	var n int64
	var status xrdcl.Status
	if c.iolist != nil {
		n, status = s.fh.VectorRead(c.ctx, c.chunks())
		prom.ReadsTotal.WithLabelValues("vector").Inc()
	} else {
		var nn int
		nn, status = s.fh.Read(c.ctx, c.offset, c.buffer)
		n = int64(nn)
		prom.ReadsTotal.WithLabelValues("single").Inc()
	}
	s.recordOperation(time.Since(start), !status.IsOK())

	if status.IsOK() {
		prom.ReadBytesTotal.Add(float64(n))
		c.mgr.recordHostObservation(s.id, false, s.Quality())
		c.fut.complete(n, nil)
		return
	}
	logger.Debug("read failed on source",
		zap.String("source", s.id),
		zap.String("status", status.String()))
	if err := c.mgr.requestFailure(c, status); err != nil {
		c.fut.complete(0, err)
	}
}
