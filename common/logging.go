// Package common provides the shared logging and configuration
// infrastructure for the user metrics API service.
//
// The logging system is built on logrus with an output splitter that routes
// error-level entries to stderr and everything else to stdout, so that
// containerized deployments can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stderr or stdout depending
// on the entry level. It inspects the rendered bytes rather than the entry
// itself so it works with any logrus formatter.
type OutputSplitter struct{}

// Write implements io.Writer. Entries containing "level=error" go to
// stderr; all other entries go to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the service. All packages log
// through it so the output routing and formatting stay uniform.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	Logger.SetLevel(logrus.InfoLevel)
}

// SetDebug switches the global logger into debug mode.
func SetDebug(enabled bool) {
	if enabled {
		Logger.SetLevel(logrus.DebugLevel)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
}
