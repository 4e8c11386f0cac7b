// Package localfs implements the xrdcl transport contract on top of the
// local filesystem. It serves file:// URLs so the CLI and tests can exercise
// the full read path without a remote federation.
package localfs

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/hepio/xrdfed/internal/xrdcl"
)

// DataServer is the server identity reported for local files
const DataServer = "localhost:1094"

func init() {
	xrdcl.Register("file", &driver{})
}

type driver struct{}

func (d *driver) NewFile() xrdcl.File {
	return &file{}
}

func (d *driver) NewFileSystem(u *xrdcl.URL) (xrdcl.FileSystem, error) {
	return &fileSystem{}, nil
}

type file struct {
	mu  sync.Mutex
	f   *os.File
	url string
}

func (f *file) Open(rawurl string, flags xrdcl.OpenFlags, perms xrdcl.Access, handler xrdcl.ResponseHandler) xrdcl.Status {
	if handler != nil {
		go func() {
			status := f.open(rawurl)
			u, _ := xrdcl.ParseURL(rawurl)
			handler.HandleResponseWithHosts(status, []xrdcl.HostInfo{{URL: u}})
		}()
		return xrdcl.OK()
	}
	return f.open(rawurl)
}

func (f *file) open(rawurl string) xrdcl.Status {
	u, err := xrdcl.ParseURL(rawurl)
	if err != nil {
		return xrdcl.Errorf(xrdcl.StatusErrInternal, "%v", err)
	}
	osf, err := os.Open(u.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return xrdcl.Errorf(xrdcl.StatusErrNotFound, "%v", err)
		}
		return xrdcl.Errorf(xrdcl.StatusErrConnection, "%v", err)
	}
	f.mu.Lock()
	f.f = osf
	f.url = rawurl
	f.mu.Unlock()
	return xrdcl.OK()
}

func (f *file) Read(ctx context.Context, offset int64, p []byte) (int, xrdcl.Status) {
	f.mu.Lock()
	osf := f.f
	f.mu.Unlock()
	if osf == nil {
		return 0, xrdcl.Errorf(xrdcl.StatusErrInternal, "file not open")
	}
	if err := ctx.Err(); err != nil {
		return 0, xrdcl.Errorf(xrdcl.StatusErrOperationExpired, "%v", err)
	}
	n, err := osf.ReadAt(p, offset)
	if err != nil && n == 0 {
		return 0, xrdcl.Errorf(xrdcl.StatusErrConnection, "%v", err)
	}
	return n, xrdcl.OK()
}

func (f *file) VectorRead(ctx context.Context, chunks []xrdcl.ChunkRequest) (int64, xrdcl.Status) {
	var total int64
	for _, c := range chunks {
		n, status := f.Read(ctx, c.Offset, c.Buffer)
		if !status.IsOK() {
			return total, status
		}
		total += int64(n)
		if n < len(c.Buffer) {
			return total, xrdcl.Errorf(xrdcl.StatusErrInternal, "short read at offset %d: %d of %d bytes", c.Offset, n, len(c.Buffer))
		}
	}
	return total, xrdcl.OK()
}

func (f *file) GetProperty(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return "", false
	}
	switch name {
	case xrdcl.PropDataServer:
		return DataServer, true
	case xrdcl.PropLastURL:
		return f.url, true
	}
	return "", false
}

func (f *file) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *file) Close(ctx context.Context) xrdcl.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return xrdcl.OK()
	}
	err := f.f.Close()
	f.f = nil
	if err != nil {
		return xrdcl.Errorf(xrdcl.StatusErrInternal, "%v", err)
	}
	return xrdcl.OK()
}

// fileSystem discards monitoring messages; local files have no monitoring
// endpoint to deliver them to.
type fileSystem struct{}

func (fs *fileSystem) SendInfo(ctx context.Context, info string, handler xrdcl.ResponseHandler, timeout time.Duration) xrdcl.Status {
	if handler != nil {
		go handler.HandleResponseWithHosts(xrdcl.OK(), nil)
	}
	return xrdcl.OK()
}
