package main

import (
	"context"
	"errors"
	"fmt"
	golog "log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/selfmail/alert"
	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/mutate"
	"github.com/mjl-/selfmail/notify"
	"github.com/mjl-/selfmail/quota"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/selfmailvar"
	"github.com/mjl-/selfmail/store"
	"github.com/mjl-/selfmail/workerpool"
)

// fileLocker returns the account locker from the configuration.
func fileLocker() store.FileLocker {
	c := selfmail.Conf.Static.Lock
	return store.FileLocker{Timeout: c.Timeout, Retry: c.Retry, MaxHold: c.MaxHold}
}

// newEngine returns an engine with the configured locker, usage database and
// change notification. The returned close function must be called when done.
func newEngine(log *mlog.Log) (*mutate.Engine, *notify.Notifier, func()) {
	q, err := quota.Open(context.Background(), "")
	xcheckf(err, "opening usage database")

	pipe, err := notify.ConfiguredPipe(log)
	xcheckf(err, "change notification pipe")
	n := &notify.Notifier{Pipe: pipe}

	e := mutate.NewEngine(fileLocker(), q, n, alert.Default)
	return e, n, func() {
		e.Wait()
		if pipe != nil {
			log.Check(pipe.Close(), "closing change notification pipe")
		}
		log.Check(q.Close(), "closing usage database")
	}
}

func cmdServe(c *cmd) {
	c.help = `Start selfmail, serving the worker API and metrics.

Retention expiry runs periodically for all accounts. Changes are exchanged with
other processes through the configured notification pipe. With a worker pool,
mutations for accounts of other workers are forwarded.

Selfmail shuts down gracefully on SIGINT and SIGTERM, waiting for background
tasks to finish.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	selfmail.MustLoadConfig()
	log := c.log
	log.Print("starting", mlog.Field("version", selfmailvar.Version), mlog.Field("pid", os.Getpid()))

	stopSwitchboard := store.Switchboard()
	defer stopSwitchboard()

	engine, notifier, closeEngine := newEngine(log)
	defer closeEngine()
	err := notifier.Start(selfmail.Context)
	xcheckf(err, "starting change notification")

	store.StartExpiry(selfmail.Shutdown, fileLocker())

	var servers []*http.Server
	if wp := selfmail.Conf.Static.WorkerPool; wp != nil {
		pool := workerpool.New(*wp)
		engine.Dispatch = pool
		srv, err := workerpool.Listen(log, wp.Listen, workerpool.NewWorker(pool, engine))
		xcheckf(err, "starting worker api")
		servers = append(servers, srv)
	}

	if addr := selfmail.Conf.Static.MetricsListen; addr != "" {
		srv, err := listenMetrics(log, addr)
		xcheckf(err, "starting metrics listener")
		servers = append(servers, srv)
	}

	selfmail.ShutdownOnSignal(15*time.Second, engine.Wait)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, srv := range servers {
		err := srv.Shutdown(ctx)
		log.Check(err, "shutting down http server")
	}
	log.Print("stopped")
}

func listenMetrics(log *mlog.Log, addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "selfmail %s, see /metrics\n", selfmailvar.Version)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog.New(mlog.ErrWriter(log, mlog.LevelInfo, "metrics http server"), "", 0),
	}
	go func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			log.Error("unhandled panic in metrics server", mlog.Field("panic", fmt.Sprint(x)))
			metrics.PanicInc(metrics.Serve)
		}()

		log.Print("serving metrics", mlog.Field("listen", addr))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorx("serving metrics", err)
		}
	}()
	return srv, nil
}

func cmdConfigWorker(c *cmd) {
	c.params = "account ..."
	c.help = `Prints the worker that is authoritative for each account.

Requires a WorkerPool in the configuration.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	mustLoadConfig()

	wp := selfmail.Conf.Static.WorkerPool
	if wp == nil {
		golog.Fatalf("no worker pool configured")
	}
	pool := workerpool.New(*wp)
	for _, account := range args {
		self := ""
		if pool.Authoritative(account) {
			self = " (self)"
		}
		fmt.Printf("%s\t%s%s\n", account, pool.Worker(account), self)
	}
}
