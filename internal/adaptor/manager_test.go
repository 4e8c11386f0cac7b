package adaptor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepio/xrdfed/internal/xrdcl"
)

func newTestManager(t *testing.T, fed *fakeFederation) (*RequestManager, *fakeClock) {
	t.Helper()
	installFederation(fed)
	clock := newFakeClock()
	mgr, err := New(context.Background(), "mock://redirector:1094//store/file.root",
		xrdcl.OpenFlagsRead, xrdcl.AccessNone,
		WithClock(clock.Now),
		WithTimeout(2*time.Second),
		WithJobID("job-123"),
		WithRandSeed(7))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return mgr, clock
}

// newBareManager builds a manager around synthetic sources without opening
// anything, for health-check unit tests.
func newBareManager(fed *fakeFederation) (*RequestManager, *fakeClock) {
	installFederation(fed)
	clock := newFakeClock()
	m := &RequestManager{
		name:                  "mock://redirector:1094//store/file.root",
		flags:                 xrdcl.OpenFlagsRead,
		perms:                 xrdcl.AccessNone,
		timeout:               2 * time.Second,
		timers:                DefaultTimers(),
		jobID:                 "job-123",
		clock:                 clock.Now,
		ctx:                   context.Background(),
		disabledSources:       make(map[string]*Source),
		disabledSourceStrings: make(map[string]struct{}),
	}
	WithRandSeed(7)(m)
	m.openHandler = newOpenHandler(m)
	return m, clock
}

func newTestSource(fed *fakeFederation, id string, quality int64) *Source {
	f := &fakeFile{fed: fed, server: &fakeServer{id: id, data: make([]byte, 1<<20)}}
	f.lastURL = "mock://" + id + "//store/file.root"
	s := NewSource(time.Unix(1000000, 0), id, f)
	s.quality.Store(quality)
	return s
}

func TestColdStartSingleReplica(t *testing.T) {
	fed := &fakeFederation{honorTried: true}
	fed.addServer(&fakeServer{id: "a.example.org:1094", data: []byte("hello world")})

	mgr, _ := newTestManager(t, fed)

	assert.Equal(t, []string{"a.example.org:1094"}, mgr.ActiveSourceNames())
	assert.Empty(t, mgr.DisabledSourceNames())
	assert.Equal(t, []string{"job-123"}, fed.sentInfos())

	m := mgr
	m.mu.Lock()
	next := m.nextActiveSourceCheck
	last := m.lastSourceCheck
	m.mu.Unlock()
	assert.Equal(t, 5*time.Second, next.Sub(last))

	buf := make([]byte, 5)
	n, err := mgr.Handle(context.Background(), 0, buf).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", string(buf))
}

func TestDCacheSuppressesMonitoring(t *testing.T) {
	fed := &fakeFederation{honorTried: true}
	fed.addServer(&fakeServer{id: "dcache.example.org:1094", data: []byte("data"), dcacheURL: true})

	mgr, _ := newTestManager(t, fed)

	assert.Equal(t, []string{"dcache.example.org:1094"}, mgr.ActiveSourceNames())
	assert.Empty(t, fed.sentInfos(), "monitoring must not be sent to dCache servers")
}

func TestOpenRetriesExhaustServers(t *testing.T) {
	fed := &fakeFederation{honorTried: true}
	fed.addServer(&fakeServer{id: "bad.example.org:1094", openFail: true})
	installFederation(fed)

	_, err := New(context.Background(), "mock://redirector:1094//store/file.root",
		xrdcl.OpenFlagsRead, xrdcl.AccessNone, WithTimeout(time.Second))
	require.Error(t, err)
	var openErr *FileOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Contains(t, openErr.Error(), "bad.example.org:1094")
}

func TestOpenFailsWhenRedirectorDoesNotRedirect(t *testing.T) {
	// No servers at all: the redirector hands back the requested URL.
	fed := &fakeFederation{honorTried: true}
	installFederation(fed)

	_, err := New(context.Background(), "mock://redirector:1094//store/file.root",
		xrdcl.OpenFlagsRead, xrdcl.AccessNone, WithTimeout(time.Second))
	require.Error(t, err)
	var openErr *FileOpenError
	require.True(t, errors.As(err, &openErr))
}

func TestPromoteInactiveAfterCooldown(t *testing.T) {
	fed := &fakeFederation{}
	m, clock := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 50)
	b := newTestSource(fed, "b.example.org:1094", 10)
	b.SetLastDowngrade(clock.Now().Add(-10 * time.Second))
	m.activeSources = []*Source{a}
	m.inactiveSources = []*Source{b}

	m.mu.Lock()
	m.checkSourcesImplLocked(clock.Now(), 0)
	m.mu.Unlock()

	assert.Equal(t, []string{"a.example.org:1094", "b.example.org:1094"}, m.ActiveSourceNames())
	assert.Empty(t, m.inactiveSources)
}

func TestCooldownBlocksPromotion(t *testing.T) {
	fed := &fakeFederation{}
	m, clock := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 50)
	b := newTestSource(fed, "b.example.org:1094", 10)
	b.SetLastDowngrade(clock.Now().Add(-2 * time.Second)) // within the 4 s window
	m.activeSources = []*Source{a}
	m.inactiveSources = []*Source{b}

	m.mu.Lock()
	m.checkSourcesImplLocked(clock.Now(), 0)
	m.mu.Unlock()

	assert.Equal(t, []string{"a.example.org:1094"}, m.ActiveSourceNames())
}

func TestQualityDrivenDemotion(t *testing.T) {
	fed := &fakeFederation{}
	m, clock := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 300)
	b := newTestSource(fed, "b.example.org:1094", 60)
	m.activeSources = []*Source{a, b}

	m.mu.Lock()
	m.checkSourcesImplLocked(clock.Now(), 0)
	m.mu.Unlock()

	// q(A)=300 > 260 and q(B)*4=240 < 300: A is demoted.
	assert.Equal(t, []string{"b.example.org:1094"}, m.ActiveSourceNames())
	require.Len(t, m.inactiveSources, 1)
	assert.Equal(t, "a.example.org:1094", m.inactiveSources[0].ID())
	assert.Equal(t, clock.Now().UnixNano(), a.LastDowngrade().UnixNano())
}

func TestAbsoluteQualityFloorDemotes(t *testing.T) {
	fed := &fakeFederation{}
	m, clock := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 6000)
	b := newTestSource(fed, "b.example.org:1094", 5000)
	m.activeSources = []*Source{a, b}

	m.mu.Lock()
	m.checkSourcesImplLocked(clock.Now(), 0)
	m.mu.Unlock()

	assert.Equal(t, []string{"b.example.org:1094"}, m.ActiveSourceNames())
}

func TestQualitySwapPromotesEligibleInactive(t *testing.T) {
	fed := &fakeFederation{}
	m, clock := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 500)
	b := newTestSource(fed, "b.example.org:1094", 450)
	c := newTestSource(fed, "c.example.org:1094", 100)
	c.SetLastDowngrade(clock.Now().Add(-10 * time.Second))
	m.activeSources = []*Source{a, b}
	m.inactiveSources = []*Source{c}

	m.mu.Lock()
	m.checkSourcesImplLocked(clock.Now(), 0)
	m.mu.Unlock()

	// Neither active source is demotable, but the worst active (A, 500)
	// scores more than 100 over the best eligible inactive (C, 100).
	names := m.ActiveSourceNames()
	assert.Contains(t, names, "b.example.org:1094")
	assert.Contains(t, names, "c.example.org:1094")
	require.Len(t, m.inactiveSources, 1)
	assert.Equal(t, "a.example.org:1094", m.inactiveSources[0].ID())
	assert.Equal(t, clock.Now().UnixNano(), a.LastDowngrade().UnixNano())
}

func TestHealthCheckPacingGates(t *testing.T) {
	fed := &fakeFederation{}
	m, clock := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 50)
	b := newTestSource(fed, "b.example.org:1094", 10)
	b.SetLastDowngrade(clock.Now().Add(-10 * time.Second))
	m.activeSources = []*Source{a}
	m.inactiveSources = []*Source{b}
	m.lastSourceCheck = clock.Now().Add(-2 * time.Second)
	m.nextActiveSourceCheck = clock.Now()

	// First check runs and promotes.
	m.mu.Lock()
	m.checkSourcesLocked(clock.Now(), 0)
	m.mu.Unlock()
	assert.Len(t, m.ActiveSourceNames(), 2)

	// A second check at the same instant is gated off: the next-check
	// deadline moved into the future.
	demote := func() {
		m.mu.Lock()
		m.activeSources = m.activeSources[:1]
		m.inactiveSources = append(m.inactiveSources, b)
		b.SetLastDowngrade(clock.Now().Add(-10 * time.Second))
		m.mu.Unlock()
	}
	demote()
	m.mu.Lock()
	m.checkSourcesLocked(clock.Now(), 0)
	m.mu.Unlock()
	assert.Len(t, m.ActiveSourceNames(), 1, "second check at the same now must be a no-op")
}

func TestSingleBufferAlternatesSources(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 50)
	b := newTestSource(fed, "b.example.org:1094", 50)
	m.activeSources = []*Source{a, b}

	m.mu.Lock()
	first := m.pickSingleSourceLocked()
	second := m.pickSingleSourceLocked()
	third := m.pickSingleSourceLocked()
	m.mu.Unlock()

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, first.ID(), third.ID())
}

func TestScatterSplitsAcrossTwoSources(t *testing.T) {
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i % 251)
	}
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 100)
	b := newTestSource(fed, "b.example.org:1094", 300)
	a.fh.(*fakeFile).server.data = data
	b.fh.(*fakeFile).server.data = data
	m.activeSources = []*Source{a, b}

	iolist := makeContiguous(0, 200*kiB, 200*kiB, 200*kiB)
	n, err := m.HandleList(context.Background(), iolist).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(600*kiB), n)
	for _, io := range iolist {
		for i, got := range io.Data {
			want := byte((io.Offset + int64(i)) % 251)
			if got != want {
				t.Fatalf("byte at offset %d: got %d, want %d", io.Offset+int64(i), got, want)
			}
		}
	}
}

func TestScatterSingleSourceGetsWholeRequest(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 100)
	a.fh.(*fakeFile).server.data = make([]byte, 1<<20)
	m.activeSources = []*Source{a}

	iolist := makeContiguous(0, 10*kiB, 10*kiB)
	n, err := m.HandleList(context.Background(), iolist).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20*kiB), n)
}

func TestRequestFailureDisablesAndRedispatches(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 50)
	b := newTestSource(fed, "b.example.org:1094", 50)
	a.fh.(*fakeFile).server.readFail = true
	b.fh.(*fakeFile).server.data = []byte("recovered")
	m.activeSources = []*Source{a, b}

	buf := make([]byte, 9)
	c := newSingleRequest(m, context.Background(), 0, buf)
	a.Handle(c)

	n, err := c.Future().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "recovered", string(buf))

	assert.Equal(t, []string{"b.example.org:1094"}, m.ActiveSourceNames())
	assert.Equal(t, []string{"a.example.org:1094"}, m.DisabledSourceNames())
	assert.Equal(t, b, c.CurrentSource())
}

func TestInvalidResponseFastPath(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 50)
	a.fh.(*fakeFile).server.readFail = true
	a.fh.(*fakeFile).server.readCode = xrdcl.StatusErrInvalidResponse
	m.activeSources = []*Source{a}

	buf := make([]byte, 8)
	c := newSingleRequest(m, context.Background(), 0, buf)
	a.Handle(c)

	_, err := c.Future().Wait(context.Background())
	require.Error(t, err)
	var readErr *FileReadError
	require.True(t, errors.As(err, &readErr), "want FileReadError, got %T: %v", err, err)
	assert.Equal(t, []string{"a.example.org:1094"}, m.DisabledSourceNames())
}

func TestRecoveryOpensNewSource(t *testing.T) {
	fed := &fakeFederation{honorTried: true}
	fed.addServer(&fakeServer{id: "a.example.org:1094", readFail: true})
	fed.addServer(&fakeServer{id: "b.example.org:1094", data: []byte("fallback!")})

	mgr, _ := newTestManager(t, fed)
	require.Equal(t, []string{"a.example.org:1094"}, mgr.ActiveSourceNames())

	buf := make([]byte, 9)
	n, err := mgr.Handle(context.Background(), 0, buf).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "fallback!", string(buf))
	assert.Equal(t, []string{"a.example.org:1094"}, mgr.DisabledSourceNames())
	assert.Equal(t, []string{"b.example.org:1094"}, mgr.ActiveSourceNames())
}

func TestRecoveryRejectsExcludedSource(t *testing.T) {
	// The only server keeps being handed back by the redirector even after
	// it failed: recovery must fail hard instead of looping.
	fed := &fakeFederation{honorTried: false}
	fed.addServer(&fakeServer{id: "a.example.org:1094", readFail: true})

	mgr, _ := newTestManager(t, fed)

	buf := make([]byte, 4)
	_, err := mgr.Handle(context.Background(), 0, buf).Wait(context.Background())
	require.Error(t, err)
	var openErr *FileOpenError
	require.True(t, errors.As(err, &openErr), "want FileOpenError, got %T: %v", err, err)
	assert.Contains(t, openErr.Error(), "excluded source")
	assert.NotContains(t, mgr.ActiveSourceNames(), "a.example.org:1094")
}

func TestOpaqueExclusionString(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	m.activeSources = []*Source{newTestSource(fed, "a.example.org:1094", 50)}
	m.inactiveSources = []*Source{newTestSource(fed, "b.example.org:1094", 50)}
	m.disabledSourceStrings["c.example.org:1094"] = struct{}{}

	opaque := m.prepareOpaqueString()
	require.True(t, strings.HasPrefix(opaque, "tried="))
	hosts := strings.Split(strings.TrimPrefix(opaque, "tried="), ",")
	assert.ElementsMatch(t, []string{"a.example.org", "b.example.org", "c.example.org"}, hosts)
}

func TestOpaqueStringEmptyWithoutHistory(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)
	assert.Equal(t, "", m.prepareOpaqueString())
}

func TestOpaqueStringAppliedToURL(t *testing.T) {
	assert.Equal(t, "root://h//f?tried=a,b", xrdcl.AppendOpaque("root://h//f", "tried=a,b"))
	assert.Equal(t, "root://h//f?x=1&tried=a", xrdcl.AppendOpaque("root://h//f?x=1", "tried=a"))
	assert.Equal(t, "root://h//f", xrdcl.AppendOpaque("root://h//f", ""))
}

func TestHandleOpenMergesAndRejectsDuplicates(t *testing.T) {
	fed := &fakeFederation{}
	m, clock := newBareManager(fed)

	a := newTestSource(fed, "a.example.org:1094", 50)
	m.activeSources = []*Source{a}
	m.nextActiveSourceCheck = clock.Now()

	// A fresh source fills the duplex slot.
	b := newTestSource(fed, "b.example.org:1094", 50)
	m.HandleOpen(xrdcl.OK(), b)
	assert.Equal(t, []string{"a.example.org:1094", "b.example.org:1094"}, m.ActiveSourceNames())

	// A third source lands in the inactive pool.
	c := newTestSource(fed, "c.example.org:1094", 50)
	m.HandleOpen(xrdcl.OK(), c)
	assert.Len(t, m.ActiveSourceNames(), 2)
	require.Len(t, m.inactiveSources, 1)

	// A duplicate of an active source is ignored and defers the check.
	before := m.nextActiveSourceCheck
	dup := newTestSource(fed, "a.example.org:1094", 50)
	m.HandleOpen(xrdcl.OK(), dup)
	assert.Len(t, m.ActiveSourceNames(), 2)
	assert.Len(t, m.inactiveSources, 1)
	assert.True(t, m.nextActiveSourceCheck.After(before))

	// A disabled source is never installed.
	m.disabledSourceStrings["d.example.org:1094"] = struct{}{}
	d := newTestSource(fed, "d.example.org:1094", 50)
	m.HandleOpen(xrdcl.OK(), d)
	assert.Len(t, m.ActiveSourceNames(), 2)
	assert.Len(t, m.inactiveSources, 1)

	// An open failure only defers the next check.
	before = m.nextActiveSourceCheck
	m.HandleOpen(xrdcl.Errorf(xrdcl.StatusErrConnection, "nope"), nil)
	assert.True(t, m.nextActiveSourceCheck.After(before))
}

func TestActiveSourcesNeverExceedTwo(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	for i, id := range []string{"a:1", "b:1", "c:1", "d:1", "e:1"} {
		m.HandleOpen(xrdcl.OK(), newTestSource(fed, id, int64(10*(i+1))))
		assert.LessOrEqual(t, len(m.ActiveSourceNames()), 2)
	}
	assert.Len(t, m.inactiveSources, 3)
}

func TestActiveFile(t *testing.T) {
	fed := &fakeFederation{}
	m, _ := newBareManager(fed)

	_, err := m.ActiveFile()
	require.Error(t, err)

	a := newTestSource(fed, "a.example.org:1094", 50)
	m.activeSources = []*Source{a}
	fh, err := m.ActiveFile()
	require.NoError(t, err)
	assert.Equal(t, a.FileHandle(), fh)
}
