package selfmail

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mjl-/selfmail/mlog"
)

// Shutdown is canceled when a graceful shutdown is initiated. New mutations
// should not be started once it is canceled.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by most operations. It is canceled shortly
// after Shutdown, which aborts operations still running.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// ShutdownOnSignal waits for SIGINT or SIGTERM, cancels Shutdown, waits for
// wait (e.g. background tasks) up to grace, then cancels Context.
func ShutdownOnSignal(grace time.Duration, wait func()) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	xlog.Print("shutting down", mlog.Field("signal", sig.String()))
	ShutdownCancel()

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		xlog.Print("background tasks still busy after grace period, aborting")
	}
	ContextCancel()
}
