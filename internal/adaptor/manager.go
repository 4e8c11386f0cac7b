// Package adaptor implements a client-side redundant-read coordinator. A
// RequestManager fronts one logical remote file with up to two concurrently
// open replica connections, monitors their relative quality, migrates
// traffic to healthier replicas and transparently recovers from per-source
// failures.
package adaptor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hepio/xrdfed/internal/hostcache"
	"github.com/hepio/xrdfed/internal/logger"
	"github.com/hepio/xrdfed/internal/xrdcl"
)

const (
	// openRetries bounds the number of initial open attempts
	openRetries = 5

	// openTimeoutSlack extends the transport timeout when waiting for a
	// recovery open; failing hard beats deadlocking on a wedged transport
	openTimeoutSlack = 10 * time.Second

	// qualityAbsoluteFloor demotes an active source outright
	qualityAbsoluteFloor = 5130

	// qualityRelativeFloor is the minimum quality at which a source can be
	// demoted for being relatively worse than its peer
	qualityRelativeFloor = 260

	// qualityRelativeFactor is how many times better the peer must score
	// for a relative demotion
	qualityRelativeFactor = 4
)

// Timers paces the health check and the speculative probe
type Timers struct {
	// ShortOpenDelay is the check interval while running below duplex
	ShortOpenDelay time.Duration

	// LongOpenDelay is the check interval at duplex
	LongOpenDelay time.Duration

	// OpenProbePercent is the probability, in percent, of probing for a
	// new replica once LongOpenDelay has elapsed without other activity
	OpenProbePercent int

	// QualityFudge is the minimum quality difference required to swap an
	// active and an inactive source
	QualityFudge int64
}

// DefaultTimers returns the production pacing
func DefaultTimers() Timers {
	return Timers{
		ShortOpenDelay:   5 * time.Second,
		LongOpenDelay:    120 * time.Second,
		OpenProbePercent: 10,
		QualityFudge:     100,
	}
}

// AggressiveTimers returns pacing suitable for debugging source churn:
// every check probes, and swaps need no quality margin.
func AggressiveTimers() Timers {
	return Timers{
		ShortOpenDelay:   5 * time.Second,
		LongOpenDelay:    20 * time.Second,
		OpenProbePercent: 100,
		QualityFudge:     0,
	}
}

// Option configures a RequestManager
type Option func(*RequestManager)

// WithTimeout overrides the transport stream-error window
func WithTimeout(d time.Duration) Option {
	return func(m *RequestManager) { m.timeout = d }
}

// WithJobID sets the monitoring job identifier
func WithJobID(id string) Option {
	return func(m *RequestManager) { m.jobID = id }
}

// WithHostCache attaches a persistent host-observation store
func WithHostCache(store hostcache.Store) Option {
	return func(m *RequestManager) { m.cache = store }
}

// WithTimers overrides the health-check pacing
func WithTimers(t Timers) Option {
	return func(m *RequestManager) { m.timers = t }
}

// WithClock overrides the monotonic clock, for tests
func WithClock(clock func() time.Time) Option {
	return func(m *RequestManager) { m.clock = clock }
}

// WithRandSeed fixes the probe RNG seed, for tests
func WithRandSeed(seed int64) Option {
	return func(m *RequestManager) { m.rng = rand.New(rand.NewSource(seed)) }
}

// RequestManager coordinates reads for one logical file across up to two
// active replica connections.
type RequestManager struct {
	name  string
	flags xrdcl.OpenFlags
	perms xrdcl.Access

	timeout time.Duration
	timers  Timers
	jobID   string
	cache   hostcache.Store
	clock   func() time.Time
	ctx     context.Context

	mu                      sync.Mutex
	activeSources           []*Source
	inactiveSources         []*Source
	disabledSources         map[string]*Source
	disabledSourceStrings   map[string]struct{}
	lastSourceCheck         time.Time
	nextActiveSourceCheck   time.Time
	nextInitialSourceToggle bool

	rng *rand.Rand

	openHandler *OpenHandler
}

// New opens a file through the federation redirector and returns a manager
// serving reads against it. Up to five open attempts are made; servers that
// failed are excluded from subsequent attempts via the redirector's opaque
// "tried" hint.
func New(ctx context.Context, name string, flags xrdcl.OpenFlags, perms xrdcl.Access, opts ...Option) (*RequestManager, error) {
	m := &RequestManager{
		name:                  name,
		flags:                 flags,
		perms:                 perms,
		timeout:               xrdcl.StreamErrorWindow(),
		timers:                DefaultTimers(),
		jobID:                 defaultJobID(),
		clock:                 time.Now,
		ctx:                   ctx,
		disabledSources:       make(map[string]*Source),
		disabledSourceStrings: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.openHandler = newOpenHandler(m)

	var file xrdcl.File
	var lastErr *FileOpenError
	for attempt := 0; attempt < openRetries; attempt++ {
		opaque := m.prepareOpaqueString()
		url := xrdcl.AppendOpaque(name, opaque)
		f, err := xrdcl.NewFile(url)
		if err != nil {
			return nil, err
		}
		status := f.Open(url, flags, perms, nil)
		if status.IsOK() {
			file = f
			break
		}

		openErr := m.newOpenError("File.Open", status)
		dataServer, _ := f.GetProperty(xrdcl.PropDataServer)
		lastURL, _ := f.GetProperty(xrdcl.PropLastURL)
		if dataServer != "" {
			openErr.Info = append(openErr.Info, "problematic data server: "+dataServer)
		}
		if lastURL != "" {
			openErr.Info = append(openErr.Info, "last URL tried: "+lastURL)
			logger.Warn("failed to open file", zap.String("url", lastURL))
		}

		m.mu.Lock()
		_, alreadyDisabled := m.disabledSourceStrings[dataServer]
		if dataServer != "" {
			m.disabledSourceStrings[dataServer] = struct{}{}
		}
		m.mu.Unlock()
		if dataServer != "" && alreadyDisabled {
			openErr.Reason = "no additional data servers were found"
			return nil, openErr
		}
		// The redirector handed back the URL we asked for: we never left
		// it, so retrying cannot reach a different server.
		if lastURL == url {
			logger.Warn("redirector did not redirect",
				zap.String("last_url", lastURL), zap.String("requested", url))
			return nil, openErr
		}
		lastErr = openErr
	}
	if file == nil {
		if lastErr == nil {
			lastErr = m.newOpenError("File.Open", xrdcl.Errorf(xrdcl.StatusErrInternal, "no open attempt made"))
		}
		return nil, lastErr
	}

	sendMonitoringInfo(ctx, file, m.jobID)

	now := m.now()
	source := NewSource(now, sourceID(file), file)
	m.mu.Lock()
	m.activeSources = append(m.activeSources, source)
	m.lastSourceCheck = now
	m.nextActiveSourceCheck = now.Add(m.timers.ShortOpenDelay)
	m.mu.Unlock()

	m.recordHostObservation(source.ID(), false, source.Quality())
	return m, nil
}

func (m *RequestManager) now() time.Time {
	return m.clock()
}

// Handle serves a single contiguous read and returns its future
func (m *RequestManager) Handle(ctx context.Context, offset int64, buffer []byte) *Future {
	c := newSingleRequest(m, ctx, offset, buffer)
	now := m.now()

	m.mu.Lock()
	m.checkSourcesLocked(now, c.Size())
	source := m.pickSingleSourceLocked()
	m.mu.Unlock()

	if source == nil {
		return failedFuture(m.newReadError("RequestManager.Handle", xrdcl.Errorf(xrdcl.StatusErrInternal, "no active sources")))
	}
	source.Handle(c)
	return c.Future()
}

// HandleList serves a scatter-list read, splitting it across two active
// sources weighted by quality, and returns the combined future.
func (m *RequestManager) HandleList(ctx context.Context, iolist []IOPosBuffer) *Future {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.activeSources) == 0 {
		return failedFuture(m.newReadErrorLocked("RequestManager.HandleList", xrdcl.Errorf(xrdcl.StatusErrInternal, "no active sources")))
	}
	if len(m.activeSources) == 1 {
		c := newListRequest(m, ctx, iolist)
		m.checkSourcesLocked(now, c.Size())
		m.activeSources[0].Handle(c)
		return c.Future()
	}

	q1 := clampQuality(m.activeSources[0].Quality())
	q2 := clampQuality(m.activeSources[1].Quality())
	req1, req2, err := splitClientRequest(iolist, q1, q2)
	if err != nil {
		return failedFuture(fmt.Errorf("failed to split request for %s: %w", m.name, err))
	}
	logger.Debug("split scatter request",
		zap.Int("fragments", len(iolist)),
		zap.Int("first", len(req1)),
		zap.Int("second", len(req2)))

	m.checkSourcesLocked(now, totalSize(iolist))
	// The check may have demoted a source.
	if len(m.activeSources) == 1 {
		c := newListRequest(m, ctx, iolist)
		m.activeSources[0].Handle(c)
		return c.Future()
	}

	prom.RequestSplitsTotal.Inc()
	var fut1, fut2 *Future
	if len(req1) > 0 {
		c := newListRequest(m, ctx, req1)
		m.activeSources[0].Handle(c)
		fut1 = c.Future()
	}
	if len(req2) > 0 {
		c := newListRequest(m, ctx, req2)
		m.activeSources[1].Handle(c)
		fut2 = c.Future()
	}
	switch {
	case fut1 != nil && fut2 != nil:
		return sumFutures(fut1, fut2)
	case fut1 != nil:
		return fut1
	case fut2 != nil:
		return fut2
	default:
		// Degenerate case - no bytes to read.
		return resolvedFuture(0)
	}
}

func clampQuality(q int64) int64 {
	if q < 1 {
		return 1
	}
	return q
}

// pickSingleSourceLocked selects the source for a single-buffer request,
// alternating between the two active sources when at duplex.
func (m *RequestManager) pickSingleSourceLocked() *Source {
	if len(m.activeSources) == 0 {
		return nil
	}
	if len(m.activeSources) == 2 {
		if m.nextInitialSourceToggle {
			m.nextInitialSourceToggle = false
			return m.activeSources[0]
		}
		m.nextInitialSourceToggle = true
		return m.activeSources[1]
	}
	return m.activeSources[0]
}

// checkSourcesLocked runs the health check when both pacing gates allow it
func (m *RequestManager) checkSourcesLocked(now time.Time, requestSize int64) {
	logger.Debug("source check pacing",
		zap.Duration("since_last_check", now.Sub(m.lastSourceCheck)),
		zap.Time("next_check", m.nextActiveSourceCheck))
	if now.Sub(m.lastSourceCheck) > time.Second && !now.Before(m.nextActiveSourceCheck) {
		m.checkSourcesImplLocked(now, requestSize)
	}
}

// compareSourcesLocked demotes active source a when it is either absolutely
// bad or, above the relative floor, more than four times worse than b.
// Returns true when the manager
// should look for a genuinely new replica because a had been downgraded
// before.
func (m *RequestManager) compareSourcesLocked(now time.Time, a, b int) bool {
	if len(m.activeSources) <= a || len(m.activeSources) <= b {
		return false
	}

	qa := m.activeSources[a].Quality()
	qb := m.activeSources[b].Quality()
	if qa <= qualityAbsoluteFloor && !(qa > qualityRelativeFloor && qb*qualityRelativeFactor < qa) {
		return false
	}

	demoted := m.activeSources[a]
	logger.Info("removing source from active sources due to poor quality",
		zap.String("source", demoted.ID()),
		zap.Int64("quality", qa),
		zap.Int64("peer_quality", qb))
	findNewSource := !demoted.LastDowngrade().IsZero()
	demoted.SetLastDowngrade(now)
	m.inactiveSources = append(m.inactiveSources, demoted)
	m.activeSources = append(m.activeSources[:a], m.activeSources[a+1:]...)
	prom.SourceDemotionsTotal.Inc()
	return findNewSource
}

// eligibleInactiveLocked returns the inactive sources whose cool-down has
// expired for the given window.
func (m *RequestManager) eligibleInactiveLocked(now time.Time, window time.Duration) []*Source {
	eligible := make([]*Source, 0, len(m.inactiveSources))
	for _, source := range m.inactiveSources {
		if now.Sub(source.LastDowngrade()) > window {
			eligible = append(eligible, source)
		}
	}
	return eligible
}

func bestSource(sources []*Source) *Source {
	var best *Source
	for _, s := range sources {
		if best == nil || s.Quality() < best.Quality() {
			best = s
		}
	}
	return best
}

func worstSourceIndex(sources []*Source) int {
	worst := -1
	for i, s := range sources {
		if worst < 0 || s.Quality() > sources[worst].Quality() {
			worst = i
		}
	}
	return worst
}

func (m *RequestManager) removeInactiveLocked(target *Source) {
	for i, s := range m.inactiveSources {
		if s == target {
			m.inactiveSources = append(m.inactiveSources[:i], m.inactiveSources[i+1:]...)
			return
		}
	}
}

// checkSourcesImplLocked is the quality-driven health check
func (m *RequestManager) checkSourcesImplLocked(now time.Time, requestSize int64) {
	findNewSource := false
	if len(m.activeSources) <= 1 {
		findNewSource = true
	} else {
		logger.Debug("active source qualities",
			zap.Int64("first", m.activeSources[0].Quality()),
			zap.Int64("second", m.activeSources[1].Quality()))
		if m.compareSourcesLocked(now, 0, 1) {
			findNewSource = true
		}
		if m.compareSourcesLocked(now, 1, 0) {
			findNewSource = true
		}
	}

	eligible := m.eligibleInactiveLocked(now, m.timers.ShortOpenDelay-time.Second)
	best := bestSource(eligible)
	worst := worstSourceIndex(m.activeSources)
	if best != nil {
		logger.Debug("best inactive source",
			zap.String("source", best.ID()), zap.Int64("quality", best.Quality()))
	}
	if worst >= 0 {
		logger.Debug("worst active source",
			zap.String("source", m.activeSources[worst].ID()),
			zap.Int64("quality", m.activeSources[worst].Quality()))
	}

	if best != nil && len(m.activeSources) == 1 {
		// Restore duplex unconditionally.
		m.activeSources = append(m.activeSources, best)
		m.removeInactiveLocked(best)
		prom.SourcePromotionsTotal.Inc()
	} else {
		for best != nil && worst >= 0 &&
			m.activeSources[worst].Quality() > best.Quality()+m.timers.QualityFudge {
			demoted := m.activeSources[worst]
			logger.Info("swapping sources on quality",
				zap.String("demoted", demoted.ID()),
				zap.Int64("demoted_quality", demoted.Quality()),
				zap.String("promoted", best.ID()),
				zap.Int64("promoted_quality", best.Quality()))
			demoted.SetLastDowngrade(now)
			m.removeInactiveLocked(best)
			m.activeSources = append(m.activeSources[:worst], m.activeSources[worst+1:]...)
			m.inactiveSources = append(m.inactiveSources, demoted)
			m.activeSources = append(m.activeSources, best)
			prom.SourceSwapsTotal.Inc()

			// The eligibility window widens once a swap has happened.
			eligible = m.eligibleInactiveLocked(now, m.timers.LongOpenDelay-time.Second)
			best = bestSource(eligible)
			worst = worstSourceIndex(m.activeSources)
		}
	}

	if !findNewSource && now.Sub(m.lastSourceCheck) > m.timers.LongOpenDelay {
		if m.rng.Intn(100) < m.timers.OpenProbePercent {
			findNewSource = true
			prom.OpenProbesTotal.Inc()
		}
	}

	if findNewSource {
		if _, err := m.openHandler.open(); err != nil {
			logger.Warn("failed to start open for a new source", zap.Error(err))
		}
		m.lastSourceCheck = now
	}

	// Only aggressively look for new sources while below duplex.
	if len(m.activeSources) == 2 {
		m.nextActiveSourceCheck = now.Add(m.timers.LongOpenDelay)
	} else {
		m.nextActiveSourceCheck = now.Add(m.timers.ShortOpenDelay)
	}
}

// HandleOpen merges the outcome of an asynchronous open into the source
// tables. Called by the open handler on the transport's goroutine.
func (m *RequestManager) HandleOpen(status xrdcl.Status, source *Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !status.IsOK() || source == nil {
		// File-open failure - wait at least a long delay before the next attempt.
		logger.Info("got failure when trying to open a new source")
		m.nextActiveSourceCheck = m.nextActiveSourceCheck.Add(m.timers.LongOpenDelay - m.timers.ShortOpenDelay)
		prom.OpensTotal.WithLabelValues("error").Inc()
		return
	}

	logger.Info("successfully opened new source", zap.String("source", source.ID()))
	if _, disabled := m.disabledSourceStrings[source.ID()]; disabled {
		logger.Warn("server returned disabled source; ignoring",
			zap.String("source", source.ID()))
		m.nextActiveSourceCheck = m.nextActiveSourceCheck.Add(m.timers.LongOpenDelay - m.timers.ShortOpenDelay)
		prom.OpensTotal.WithLabelValues("duplicate").Inc()
		return
	}
	for _, s := range m.activeSources {
		if s.ID() == source.ID() {
			logger.Info("server returned already-active source; ignoring",
				zap.String("source", source.ID()))
			m.nextActiveSourceCheck = m.nextActiveSourceCheck.Add(m.timers.LongOpenDelay - m.timers.ShortOpenDelay)
			prom.OpensTotal.WithLabelValues("duplicate").Inc()
			return
		}
	}
	for _, s := range m.inactiveSources {
		if s.ID() == source.ID() {
			logger.Info("server returned already-inactive source; ignoring",
				zap.String("source", source.ID()))
			m.nextActiveSourceCheck = m.nextActiveSourceCheck.Add(m.timers.LongOpenDelay - m.timers.ShortOpenDelay)
			prom.OpensTotal.WithLabelValues("duplicate").Inc()
			return
		}
	}

	if len(m.activeSources) < 2 {
		m.activeSources = append(m.activeSources, source)
	} else {
		m.inactiveSources = append(m.inactiveSources, source)
	}
	prom.OpensTotal.WithLabelValues("ok").Inc()
}

// requestFailure recovers from a failed dispatch. The failing source is
// disabled for the manager's lifetime; the request is re-dispatched to the
// remaining or a newly opened source. A non-nil return is fatal and becomes
// the request future's error.
func (m *RequestManager) requestFailure(c *ClientRequest, status xrdcl.Status) error {
	m.mu.Lock()
	locked := true
	defer func() {
		if locked {
			m.mu.Unlock()
		}
	}()

	source := c.CurrentSource()
	if source == nil {
		return m.newReadErrorLocked("RequestManager.requestFailure", status)
	}

	// The source object is never destroyed here. This function may run
	// inside the transport's own response handler; closing the file from
	// within would deadlock. The reference stays in disabledSources until
	// the manager is torn down.
	m.disabledSourceStrings[source.ID()] = struct{}{}
	m.disabledSources[source.ID()] = source
	if len(m.activeSources) > 0 && m.activeSources[0] == source {
		m.activeSources = m.activeSources[1:]
	} else if len(m.activeSources) > 1 && m.activeSources[1] == source {
		m.activeSources = m.activeSources[:1]
	}
	prom.SourceFailuresTotal.Inc()
	go m.recordHostObservation(source.ID(), true, source.Quality())

	// Fail early for invalid responses - the caller has a separate path
	// for handling this.
	if status.Code == xrdcl.StatusErrInvalidResponse {
		logger.Warn("invalid response when reading from source", zap.String("source", source.ID()))
		readErr := m.newReadErrorLocked("RequestManager.requestFailure", status)
		readErr.OldSource = source.ID()
		readErr.Reason = "invalid vector-read response from server"
		return readErr
	}
	logger.Warn("request failure when reading from source", zap.String("source", source.ID()))

	var newSource *Source
	if len(m.activeSources) == 0 {
		res, err := m.openHandler.open()
		if err != nil {
			return fmt.Errorf("handling failure of source %s: %w", source.ID(), err)
		}
		m.lastSourceCheck = m.now()

		// Drop the lock for the wait: the open completes on the transport
		// goroutine, which needs the lock to install the source. The wait
		// is bounded - after one failure the program state is already
		// suspect, and failing hard beats deadlocking.
		m.mu.Unlock()
		locked = false
		opened, openErr, timedOut := res.wait(m.timeout + openTimeoutSlack)
		if timedOut {
			fatal := m.newOpenError("RequestManager.requestFailure", status)
			fatal.OldSource = source.ID()
			fatal.CurrentServer = m.openHandler.currentSource()
			fatal.Reason = "timeout when waiting for file open"
			return fatal
		}
		if openErr != nil {
			return fmt.Errorf("handling failure of source %s: %w", source.ID(), openErr)
		}
		m.mu.Lock()
		locked = true

		if _, disabled := m.disabledSourceStrings[opened.ID()]; disabled {
			// The server gave us back a data node we requested excluded. Fatal!
			fatal := m.newOpenErrorLocked("RequestManager.requestFailure", status)
			fatal.OldSource = source.ID()
			fatal.NewSource = opened.ID()
			fatal.Reason = "server returned an excluded source"
			return fatal
		}
		if !m.containsActiveLocked(opened) {
			m.activeSources = append(m.activeSources, opened)
		}
		newSource = opened
	} else {
		newSource = m.activeSources[0]
	}
	newSource.Handle(c)
	return nil
}

func (m *RequestManager) containsActiveLocked(source *Source) bool {
	for _, s := range m.activeSources {
		if s == source {
			return true
		}
	}
	return false
}

// prepareOpaqueString builds the redirector exclusion hint: the host name of
// every source already tried, active, inactive or disabled.
func (m *RequestManager) prepareOpaqueString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareOpaqueStringLocked()
}

func (m *RequestManager) prepareOpaqueStringLocked() string {
	hosts := make([]string, 0, len(m.activeSources)+len(m.inactiveSources)+len(m.disabledSourceStrings))
	for _, s := range m.activeSources {
		hosts = append(hosts, xrdcl.HostToken(s.ID()))
	}
	for _, s := range m.inactiveSources {
		hosts = append(hosts, xrdcl.HostToken(s.ID()))
	}
	for id := range m.disabledSourceStrings {
		hosts = append(hosts, xrdcl.HostToken(id))
	}
	if len(hosts) == 0 {
		return ""
	}
	return "tried=" + strings.Join(hosts, ",")
}

// ActiveFile returns the file handle of the primary active source
func (m *RequestManager) ActiveFile() (xrdcl.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.activeSources) == 0 {
		return nil, fmt.Errorf("no active sources for %s", m.name)
	}
	return m.activeSources[0].FileHandle(), nil
}

// ActiveSourceNames snapshots the ids of the active sources
func (m *RequestManager) ActiveSourceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSourceNamesLocked()
}

func (m *RequestManager) activeSourceNamesLocked() []string {
	names := make([]string, 0, len(m.activeSources))
	for _, s := range m.activeSources {
		names = append(names, s.ID())
	}
	return names
}

// DisabledSourceNames snapshots the ids of the permanently disabled sources
func (m *RequestManager) DisabledSourceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabledSourceNamesLocked()
}

func (m *RequestManager) disabledSourceNamesLocked() []string {
	names := make([]string, 0, len(m.disabledSourceStrings))
	for id := range m.disabledSourceStrings {
		names = append(names, id)
	}
	return names
}

func (m *RequestManager) newOpenError(op string, status xrdcl.Status) *FileOpenError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newOpenErrorLocked(op, status)
}

func (m *RequestManager) newOpenErrorLocked(op string, status xrdcl.Status) *FileOpenError {
	return &FileOpenError{
		Op:              op,
		Name:            m.name,
		Flags:           m.flags,
		Perms:           m.perms,
		Status:          status,
		ActiveSources:   m.activeSourceNamesLocked(),
		DisabledSources: m.disabledSourceNamesLocked(),
	}
}

func (m *RequestManager) newReadError(op string, status xrdcl.Status) *FileReadError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newReadErrorLocked(op, status)
}

func (m *RequestManager) newReadErrorLocked(op string, status xrdcl.Status) *FileReadError {
	return &FileReadError{
		Op:              op,
		Name:            m.name,
		Flags:           m.flags,
		Perms:           m.perms,
		Status:          status,
		ActiveSources:   m.activeSourceNamesLocked(),
		DisabledSources: m.disabledSourceNamesLocked(),
	}
}

// recordHostObservation write-throughs one observation to the host cache.
// Failures are logged, never surfaced.
func (m *RequestManager) recordHostObservation(host string, failed bool, quality int64) {
	if m.cache == nil {
		return
	}
	err := m.cache.Record(m.ctx, host, func(r *hostcache.HostRecord) error {
		if failed {
			r.Failures++
		} else {
			r.Reads++
		}
		r.LastQuality = quality
		r.LastSeen = time.Now()
		return nil
	})
	if err != nil {
		logger.Debug("failed to record host observation",
			zap.String("host", host), zap.Error(err))
	}
}

// Close tears the manager down: the open handler is drained first so no
// transport callback outlives it, then every source connection is closed.
func (m *RequestManager) Close(ctx context.Context) error {
	m.openHandler.Close()

	m.mu.Lock()
	sources := make([]*Source, 0, len(m.activeSources)+len(m.inactiveSources)+len(m.disabledSources))
	sources = append(sources, m.activeSources...)
	sources = append(sources, m.inactiveSources...)
	for _, s := range m.disabledSources {
		sources = append(sources, s)
	}
	m.activeSources = nil
	m.inactiveSources = nil
	m.disabledSources = make(map[string]*Source)
	m.mu.Unlock()

	var err error
	for _, s := range sources {
		if status := s.FileHandle().Close(ctx); !status.IsOK() {
			err = multierr.Append(err, fmt.Errorf("closing source %s: %s", s.ID(), status))
		}
	}
	return err
}
