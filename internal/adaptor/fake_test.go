package adaptor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hepio/xrdfed/internal/xrdcl"
)

// fakeServer models one data server behind the fake redirector
type fakeServer struct {
	id        string // host:port
	data      []byte
	openFail  bool
	readFail  bool
	readCode  xrdcl.StatusCode
	dcacheURL bool // final URL carries org.dcache.uuid
}

// fakeFederation models a redirector plus its data servers. Opens consult
// the server list in order; with honorTried set, servers named in the
// request's tried= hint are skipped.
type fakeFederation struct {
	mu         sync.Mutex
	servers    []*fakeServer
	honorTried bool
	openGate   chan struct{} // non-nil delays async opens until closed
	sendInfos  []string
	openURLs   []string
}

func (f *fakeFederation) addServer(s *fakeServer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = append(f.servers, s)
}

func (f *fakeFederation) sentInfos() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sendInfos...)
}

// pick selects the data server for an open request
func (f *fakeFederation) pick(tried map[string]bool) *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.servers {
		if f.honorTried && tried[xrdcl.HostToken(s.id)] {
			continue
		}
		return s
	}
	return nil
}

var (
	fakeFedMu  sync.Mutex
	currentFed *fakeFederation
)

func installFederation(f *fakeFederation) {
	fakeFedMu.Lock()
	currentFed = f
	fakeFedMu.Unlock()
}

func federation() *fakeFederation {
	fakeFedMu.Lock()
	defer fakeFedMu.Unlock()
	return currentFed
}

type fakeDriver struct{}

func (fakeDriver) NewFile() xrdcl.File {
	return &fakeFile{fed: federation()}
}

func (fakeDriver) NewFileSystem(u *xrdcl.URL) (xrdcl.FileSystem, error) {
	return &fakeFileSystem{fed: federation()}, nil
}

func init() {
	xrdcl.Register("mock", fakeDriver{})
}

type fakeFile struct {
	fed *fakeFederation

	mu      sync.Mutex
	server  *fakeServer
	lastURL string
	reqURL  string
}

func (f *fakeFile) Open(rawurl string, flags xrdcl.OpenFlags, perms xrdcl.Access, handler xrdcl.ResponseHandler) xrdcl.Status {
	if handler != nil {
		gate := f.fed.openGate
		go func() {
			if gate != nil {
				<-gate
			}
			status := f.open(rawurl)
			handler.HandleResponseWithHosts(status, nil)
		}()
		return xrdcl.OK()
	}
	return f.open(rawurl)
}

func (f *fakeFile) open(rawurl string) xrdcl.Status {
	f.fed.mu.Lock()
	f.fed.openURLs = append(f.fed.openURLs, rawurl)
	f.fed.mu.Unlock()

	u, err := xrdcl.ParseURL(rawurl)
	if err != nil {
		return xrdcl.Errorf(xrdcl.StatusErrInternal, "%v", err)
	}
	tried := make(map[string]bool)
	if hint := u.Params()["tried"]; hint != "" {
		for _, host := range strings.Split(hint, ",") {
			tried[host] = true
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqURL = rawurl

	server := f.fed.pick(tried)
	if server == nil {
		// Nowhere to redirect to; the client stays at the redirector.
		f.lastURL = rawurl
		return xrdcl.Errorf(xrdcl.StatusErrNotFound, "no servers available")
	}
	f.server = server
	f.lastURL = fmt.Sprintf("mock://%s%s", server.id, u.Path)
	if server.dcacheURL {
		f.lastURL += "?org.dcache.uuid=00000000-0000-0000-0000-000000000000"
	}
	if server.openFail {
		// DataServer and LastURL stay observable on the failed handle.
		return xrdcl.Errorf(xrdcl.StatusErrConnection, "open refused by %s", server.id)
	}
	return xrdcl.OK()
}

func (f *fakeFile) Read(ctx context.Context, offset int64, p []byte) (int, xrdcl.Status) {
	f.mu.Lock()
	server := f.server
	f.mu.Unlock()
	if server == nil {
		return 0, xrdcl.Errorf(xrdcl.StatusErrInternal, "file not open")
	}
	if server.readFail {
		code := server.readCode
		if code == xrdcl.StatusOK {
			code = xrdcl.StatusErrConnection
		}
		return 0, xrdcl.Errorf(code, "read refused by %s", server.id)
	}
	n := copy(p, server.data[min64(offset, int64(len(server.data))):])
	return n, xrdcl.OK()
}

func (f *fakeFile) VectorRead(ctx context.Context, chunks []xrdcl.ChunkRequest) (int64, xrdcl.Status) {
	var total int64
	for _, c := range chunks {
		n, status := f.Read(ctx, c.Offset, c.Buffer)
		if !status.IsOK() {
			return total, status
		}
		total += int64(n)
	}
	return total, xrdcl.OK()
}

func (f *fakeFile) GetProperty(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch name {
	case xrdcl.PropDataServer:
		if f.server == nil {
			return "", false
		}
		return f.server.id, true
	case xrdcl.PropLastURL:
		return f.lastURL, f.lastURL != ""
	}
	return "", false
}

func (f *fakeFile) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqURL
}

func (f *fakeFile) Close(ctx context.Context) xrdcl.Status {
	return xrdcl.OK()
}

type fakeFileSystem struct {
	fed *fakeFederation
}

func (fs *fakeFileSystem) SendInfo(ctx context.Context, info string, handler xrdcl.ResponseHandler, timeout time.Duration) xrdcl.Status {
	fs.fed.mu.Lock()
	fs.fed.sendInfos = append(fs.fed.sendInfos, info)
	fs.fed.mu.Unlock()
	if handler != nil {
		handler.HandleResponseWithHosts(xrdcl.OK(), nil)
	}
	return xrdcl.OK()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// fakeClock is a settable monotonic clock for pacing tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
