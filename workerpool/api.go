package workerpool

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	golog "log"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/mutate"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/selfmailvar"
)

//go:embed api.json
var apiJSON []byte

var apiDoc = mustParseAPI("worker", apiJSON)

var sherpaHandlerOpts *sherpa.HandlerOpts

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		xlog.Fatalx("parsing api docs", err, mlog.Field("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("selfmailworker", nil)
	if err != nil {
		xlog.Fatalx("creating sherpa prometheus collector", err)
	}
	sherpaHandlerOpts = &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"}
}

// Worker is the API other workers call to execute mutations on the accounts
// this worker is authoritative for.
type Worker struct {
	// Unexported, sherpa registers exported fields as sections.
	pool   *Pool
	engine *mutate.Engine
}

// NewWorker returns the API for pool, executing mutations with engine.
func NewWorker(pool *Pool, engine *mutate.Engine) Worker {
	return Worker{pool, engine}
}

// Handler returns the sherpa handler for the API, to be mounted at path.
func Handler(path string, w Worker) (http.Handler, error) {
	doc := apiDoc
	return sherpa.NewHandler(path, selfmailvar.Version, w, &doc, sherpaHandlerOpts)
}

// check rejects requests for accounts this worker is not authoritative for.
// Forwarding again could loop between workers with different configurations.
func (w Worker) check(ctx context.Context, account string) error {
	if w.pool.Authoritative(account) {
		return nil
	}
	xlog.WithContext(ctx).Error("forwarded request for account of other worker, check worker pool configuration", mlog.Field("account", account), mlog.Field("worker", w.pool.Worker(account)))
	return &sherpa.Error{Code: string(mutate.CodeUnavailable), Message: "not authoritative for account"}
}

// sherpaError returns the error for the API. Mutation errors keep their code.
func sherpaError(err error) error {
	if err == nil {
		return nil
	}
	var merr *mutate.Error
	if errors.As(err, &merr) {
		return &sherpa.Error{Code: string(merr.Code), Message: merr.Message}
	}
	return &sherpa.Error{Code: "server:error", Message: err.Error()}
}

// Copy copies messages between mailboxes of an account.
func (w Worker) Copy(ctx context.Context, req mutate.CopyRequest) (mutate.CopyResult, error) {
	if err := w.check(ctx, req.Session.Account); err != nil {
		return mutate.CopyResult{}, err
	}
	res, err := w.engine.Copy(ctx, req)
	return res, sherpaError(err)
}

// Move moves messages between mailboxes of an account.
func (w Worker) Move(ctx context.Context, req mutate.CopyRequest) (mutate.CopyResult, error) {
	if err := w.check(ctx, req.Session.Account); err != nil {
		return mutate.CopyResult{}, err
	}
	res, err := w.engine.Move(ctx, req)
	return res, sherpaError(err)
}

// Append adds a message to a mailbox of an account.
func (w Worker) Append(ctx context.Context, req mutate.AppendRequest) (mutate.AppendResult, error) {
	if err := w.check(ctx, req.Session.Account); err != nil {
		return mutate.AppendResult{}, err
	}
	res, err := w.engine.Append(ctx, req)
	return res, sherpaError(err)
}

// Listen starts serving the worker API on the listen address, at the path of
// the Self URL. The returned server is stopped by the caller.
func Listen(log *mlog.Log, listen string, w Worker) (*http.Server, error) {
	u, err := url.Parse(w.pool.Self)
	if err != nil {
		return nil, fmt.Errorf("parsing worker url: %w", err)
	}
	path := u.Path
	if path == "" || path[len(path)-1] != '/' {
		path += "/"
	}
	h, err := Handler(path, w)
	if err != nil {
		return nil, fmt.Errorf("worker api handler: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen for worker api: %w", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return selfmail.Context
		},
		ErrorLog: golog.New(mlog.ErrWriter(log, mlog.LevelInfo, "worker api http server"), "", 0),
	}
	go func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			log.Error("unhandled panic in worker api server", mlog.Field("panic", fmt.Sprint(x)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Workerpool)
		}()

		log.Print("serving worker api", mlog.Field("listen", listen), mlog.Field("path", path))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorx("serving worker api", err)
		}
	}()
	return srv, nil
}
