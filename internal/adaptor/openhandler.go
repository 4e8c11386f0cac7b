package adaptor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hepio/xrdfed/internal/logger"
	"github.com/hepio/xrdfed/internal/xrdcl"
)

// openResult is the shared future of one asynchronous open attempt. Fields
// are written once before done is closed and never mutated afterwards.
type openResult struct {
	done   chan struct{}
	source *Source
	err    error
}

// wait blocks for the attempt's outcome, bounded by timeout. The third
// return value reports a timeout.
func (r *openResult) wait(timeout time.Duration) (*Source, error, bool) {
	select {
	case <-r.done:
		return r.source, r.err, false
	case <-time.After(timeout):
		return nil, nil, true
	}
}

// OpenHandler owns at most one in-flight asynchronous open attempt and
// publishes a shared future for its outcome. It implements the transport's
// response-handler contract and is safe against being closed while a
// callback is still outstanding.
type OpenHandler struct {
	mgr *RequestManager

	mu   sync.Mutex
	file xrdcl.File // non-nil while an open is in flight
	cur  *openResult

	ignoreResponse atomic.Bool
}

func newOpenHandler(mgr *RequestManager) *OpenHandler {
	return &OpenHandler{mgr: mgr}
}

// open starts a new open attempt, or returns the future of the attempt
// already in flight. The caller must hold the manager lock; the opaque
// exclusion string is derived from the manager's current source tables.
func (h *OpenHandler) open() (*openResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file != nil {
		return h.cur, nil
	}

	opaque := h.mgr.prepareOpaqueStringLocked()
	url := xrdcl.AppendOpaque(h.mgr.name, opaque)
	logger.Debug("trying to open URL", zap.String("url", url))

	file, err := xrdcl.NewFile(url)
	if err != nil {
		return nil, err
	}
	res := &openResult{done: make(chan struct{})}
	h.cur = res
	h.file = file
	if status := file.Open(url, h.mgr.flags, h.mgr.perms, h); !status.IsOK() {
		h.file = nil
		openErr := h.mgr.newOpenErrorLocked("OpenHandler.open", status)
		res.err = openErr
		close(res.done)
		return nil, openErr
	}
	return res, nil
}

// currentSource describes the server of the in-flight open attempt
func (h *OpenHandler) currentSource() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return "(no open in progress)"
	}
	if server, ok := h.file.GetProperty(xrdcl.PropDataServer); ok && server != "" {
		return server
	}
	return "(unknown source)"
}

// HandleResponseWithHosts is invoked by the transport on its own goroutine
// when the open attempt completes.
func (h *OpenHandler) HandleResponseWithHosts(status xrdcl.Status, hosts []xrdcl.HostInfo) {
	h.mu.Lock()
	// The handler is being closed; resolve the future so waiters are
	// released, but do not touch the manager.
	if h.ignoreResponse.Load() {
		res := h.cur
		h.file = nil
		h.mu.Unlock()
		if res != nil {
			res.err = fmt.Errorf("open of %s aborted: handler is shutting down", h.mgr.name)
			close(res.done)
		}
		return
	}
	res := h.cur
	file := h.file
	h.file = nil
	h.mu.Unlock()

	if res == nil {
		return
	}

	var source *Source
	if status.IsOK() {
		sendMonitoringInfo(h.mgr.ctx, file, h.mgr.jobID)
		source = NewSource(h.mgr.now(), sourceID(file), file)
		res.source = source
	} else {
		res.err = h.mgr.newOpenError("OpenHandler.HandleResponseWithHosts", status)
	}
	close(res.done)

	h.mgr.HandleOpen(status, source)
}

// Close disables future callbacks and waits, bounded by the manager timeout
// plus slack, for an in-flight callback to finish. The bound is a safety net
// against a transport that never delivers the response.
func (h *OpenHandler) Close() {
	h.ignoreResponse.Store(true)
	h.mu.Lock()
	res := h.cur
	inflight := h.file != nil
	h.mu.Unlock()
	if res == nil || !inflight {
		return
	}
	select {
	case <-res.done:
	default:
		logger.Warn("waiting until all opens are completed before destroying handler")
	}
	select {
	case <-res.done:
	case <-time.After(h.mgr.timeout + openTimeoutSlack):
	}
}

// sourceID derives the server identity of an open file
func sourceID(file xrdcl.File) string {
	if server, ok := file.GetProperty(xrdcl.PropDataServer); ok && server != "" {
		return server
	}
	if u, err := xrdcl.ParseURL(file.URL()); err == nil && u.HostPort() != "" {
		return u.HostPort()
	}
	return "(unknown source)"
}
