// Package workerpool assigns each account to a single authoritative worker,
// and forwards mutations for accounts to their worker.
//
// Workers expose the mutation engine over a sherpa API. A request received by
// a worker that is not authoritative for the account is forwarded to the
// worker that is, with progress notices while waiting.
package workerpool

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mjl-/selfmail/config"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/mutate"
)

var xlog = mlog.New("workerpool")

// Pool is the set of workers. All workers must have the same list of workers
// in the same order.
type Pool struct {
	Self    string   // Base URL of this worker.
	Workers []string // Base URLs of all workers.
	Ping    time.Duration
	Timeout time.Duration // For forwarded requests.

	client *Client
}

var _ mutate.Dispatcher = (*Pool)(nil)

// New returns a pool for the configuration.
func New(c config.WorkerPool) *Pool {
	ping := c.PingInterval
	if ping <= 0 {
		ping = config.DefaultPingInterval
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Pool{
		Self:    c.Self,
		Workers: c.Workers,
		Ping:    ping,
		Timeout: timeout,
		client:  NewClient(timeout),
	}
}

// Worker returns the base URL of the worker authoritative for account.
func (p *Pool) Worker(account string) string {
	if len(p.Workers) == 0 {
		return p.Self
	}
	return p.Workers[xxhash.Sum64String(account)%uint64(len(p.Workers))]
}

// Authoritative returns whether this worker executes mutations for account.
func (p *Pool) Authoritative(account string) bool {
	return p.Worker(account) == p.Self
}

func (p *Pool) PingInterval() time.Duration {
	return p.Ping
}

func (p *Pool) forward(ctx context.Context, account string) (context.Context, context.CancelFunc, string) {
	worker := p.Worker(account)
	xlog.WithContext(ctx).Debug("forwarding mutation", mlog.Field("account", account), mlog.Field("worker", worker))
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	return ctx, cancel, worker
}

func (p *Pool) Copy(ctx context.Context, req mutate.CopyRequest) (res mutate.CopyResult, err error) {
	ctx, cancel, worker := p.forward(ctx, req.Session.Account)
	defer cancel()
	err = p.client.Call(ctx, worker, "Copy", req, &res)
	return
}

func (p *Pool) Move(ctx context.Context, req mutate.CopyRequest) (res mutate.CopyResult, err error) {
	ctx, cancel, worker := p.forward(ctx, req.Session.Account)
	defer cancel()
	err = p.client.Call(ctx, worker, "Move", req, &res)
	return
}

func (p *Pool) Append(ctx context.Context, req mutate.AppendRequest) (res mutate.AppendResult, err error) {
	ctx, cancel, worker := p.forward(ctx, req.Session.Account)
	defer cancel()
	err = p.client.Call(ctx, worker, "Append", req, &res)
	return
}
