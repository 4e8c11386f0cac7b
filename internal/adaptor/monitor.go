package adaptor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hepio/xrdfed/internal/logger"
	"github.com/hepio/xrdfed/internal/xrdcl"
)

// dCacheUUIDParam marks a dCache data server in the final URL. dCache
// rejects the monitoring message and some versions close the connection in
// response, so monitoring is suppressed for those servers.
const dCacheUUIDParam = "org.dcache.uuid"

const sendInfoTimeout = 30 * time.Second

var (
	processJobIDOnce sync.Once
	processJobID     string
)

// defaultJobID returns a stable per-process monitoring identifier
func defaultJobID() string {
	processJobIDOnce.Do(func() {
		processJobID = uuid.NewString()
	})
	return processJobID
}

// discardHandler frees monitoring responses without inspecting them
type discardHandler struct{}

func (discardHandler) HandleResponseWithHosts(status xrdcl.Status, hosts []xrdcl.HostInfo) {}

// sendMonitoringInfo delivers the job identifier to the data server backing
// the freshly opened file. The response is ignored.
func sendMonitoringInfo(ctx context.Context, file xrdcl.File, jobID string) {
	if jobID == "" {
		return
	}
	lastURL, ok := file.GetProperty(xrdcl.PropLastURL)
	if !ok || lastURL == "" {
		return
	}
	u, err := xrdcl.ParseURL(lastURL)
	if err != nil {
		logger.Debug("cannot parse final URL for monitoring", zap.String("url", lastURL), zap.Error(err))
		return
	}
	if _, isDCache := u.Params()[dCacheUUIDParam]; isDCache {
		return
	}
	fs, err := xrdcl.NewFileSystem(lastURL)
	if err != nil {
		logger.Debug("no filesystem endpoint for monitoring", zap.String("url", lastURL), zap.Error(err))
		return
	}
	fs.SendInfo(ctx, jobID, discardHandler{}, sendInfoTimeout)
	logger.Info("set monitoring ID", zap.String("job_id", jobID))
}
