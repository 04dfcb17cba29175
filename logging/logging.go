// Package logging provides the logger handles and the scalar writer injected into
// the training components. Nothing here keeps process-wide state: callers create a
// handle once (usually in main) and pass it down.
package logging

import (
	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

// New returns a klog-backed logger named after the component.
func New(name string) logr.Logger {
	return klog.NewKlogr().WithName(name)
}

// ForRank returns a logger that only emits on the master (rank 0). Other ranks get a
// discarding logger, so the calling code can log unconditionally.
func ForRank(log logr.Logger, rank int) logr.Logger {
	if rank != 0 {
		return logr.Discard()
	}
	return log
}
