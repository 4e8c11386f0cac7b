package xrdcl

import (
	"os"
	"strconv"
	"time"
)

const (
	// EnvStreamErrorWindow is the environment variable holding the stream
	// error window in seconds
	EnvStreamErrorWindow = "XRD_STREAMERRORWINDOW"

	// DefaultTimeout is used when the environment does not configure a
	// stream error window
	DefaultTimeout = 3 * time.Minute
)

// StreamErrorWindow returns the transport's error recovery window. It is the
// upper bound on how long a single operation may stall before the transport
// reports a failure.
func StreamErrorWindow() time.Duration {
	if v := os.Getenv(EnvStreamErrorWindow); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultTimeout
}
