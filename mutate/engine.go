// Package mutate performs mutations of mailboxes that span the account lock,
// a storage transaction, quota accounting and change notification: copying
// and moving messages between mailboxes, and appending messages.
//
// Each operation validates its request, checks quota, resolves mailboxes,
// takes the account lock, runs a single transaction, releases the lock, and
// then accounts usage and publishes changes. Failures are returned as *Error
// with a code for the protocol layer. Accounting after commit never fails an
// operation, problems are raised as alerts.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/alert"
	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/notify"
	"github.com/mjl-/selfmail/quota"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/store"
)

var xlog = mlog.New("mutate")

// Session is the validated identity an operation is done for. It is passed
// explicitly with each request, the engine keeps no session state.
type Session struct {
	Account  string // Account name.
	Alias    string `json:",omitempty"` // Address used to log in, informational.
	Domain   string `json:",omitempty"` // Domain of account, taken from config if empty.
	Locale   string `json:",omitempty"` // For error messages, e.g. "de". Account config if empty.
	RemoteIP string `json:",omitempty"`
}

// UIDRange is an inclusive range of UIDs. A zero Last means no upper bound.
type UIDRange struct {
	First store.UID
	Last  store.UID
}

func (r UIDRange) contains(uid store.UID) bool {
	return uid >= r.First && (r.Last == 0 || uid <= r.Last)
}

// CopyRequest is a request to copy or move messages.
type CopyRequest struct {
	Session     Session
	Account     *store.Account `json:"-"` // Open account. Opened by the engine if nil.
	MailboxID   int64          // Source mailbox.
	Destination string         // Name of destination mailbox.
	UIDs        []UIDRange     // If empty, all messages in source mailbox.

	// Called periodically while the operation is handled by another worker, with
	// a localized notice. Optional.
	Progress func(text string) `json:"-"`
}

// CopyResult is the result of a successful copy or move. SourceUIDs and
// DestUIDs are parallel, in increasing order.
type CopyResult struct {
	UIDValidity uint32 // Of destination mailbox.
	SourceUIDs  []store.UID
	DestUIDs    []store.UID
	Count       int
	Size        int64
}

// QuotaAccountant checks and refreshes account usage. Implemented by
// quota.Accountant.
type QuotaAccountant interface {
	CheckOverQuota(ctx context.Context, ref quota.Ref, delta int64) (bool, error)
	RefreshUsage(ctx context.Context, log *mlog.Log, acc *store.Account) (int64, error)
}

// Publisher publishes changes. Implemented by notify.Notifier.
type Publisher interface {
	Publish(ctx context.Context, acc *store.Account, entries []notify.Entry)
}

// Engine executes mutations.
type Engine struct {
	Locker    store.Locker
	Quota     QuotaAccountant
	Publisher Publisher
	Alerts    *alert.Sink // If nil, alert.Default is used.

	// If set, requests for accounts this process is not authoritative for are
	// handed to the dispatcher.
	Dispatch Dispatcher

	// Maximum number of messages a copy or move may touch, zero for no limit.
	MaxBatch int

	// Background accounting after commit.
	wg sync.WaitGroup
}

// NewEngine returns an engine with the configured batch limit.
func NewEngine(locker store.Locker, q QuotaAccountant, pub Publisher, alerts *alert.Sink) *Engine {
	return &Engine{
		Locker:    locker,
		Quota:     q,
		Publisher: pub,
		Alerts:    alerts,
		MaxBatch:  selfmail.Conf.Static.MaxCopyBatch,
	}
}

// Wait waits for background tasks started by operations, such as accounting
// after commit.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) alerts() *alert.Sink {
	if e.Alerts == nil {
		return alert.Default
	}
	return e.Alerts
}

// background runs fn in a goroutine that is not canceled with the request.
// Panics are recovered and alerted.
func (e *Engine) background(ctx context.Context, log *mlog.Log, name string, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			log.Error("unhandled panic in background task", mlog.Field("task", name), mlog.Field("panic", fmt.Sprint(x)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Mutate)
			e.alerts().Raise(alert.KindPanic, name, "panic in background task", fmt.Errorf("%v", x))
		}()

		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		fn(ctx)
	}()
}

// op holds the state of an operation being executed.
type op struct {
	name    string
	session Session
	acc     *store.Account
	log     *mlog.Log
	locale  string
	ref     quota.Ref
}

func (o *op) errorf(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: printer(o.locale).Sprintf(format, args...), Err: err}
}

// start validates the session against the account and its configuration.
func (e *Engine) start(ctx context.Context, name string, s Session, acc *store.Account) (*op, error) {
	o := &op{
		name:    name,
		session: s,
		acc:     acc,
		locale:  sessionLocale(s),
		log:     xlog.WithContext(ctx).Fields(mlog.Field("op", name), mlog.Field("account", s.Account)),
	}
	conf, ok := selfmail.Conf.Account(s.Account)
	if !ok || acc == nil || acc.Name != s.Account {
		return o, o.errorf(CodeAuthorizationFailed, nil, textAuthorization)
	}
	if conf.Disabled {
		return o, o.errorf(CodeAuthorizationFailed, nil, textAccountDisabled)
	}
	domain := s.Domain
	if domain == "" {
		domain = conf.DNSDomain
	} else if d, err := selfmail.NormalizeDomain(domain); err != nil || d != conf.DNSDomain {
		return o, o.errorf(CodeAuthorizationFailed, err, textAuthorization)
	}
	o.ref = quota.Ref{Account: s.Account, Domain: domain}
	return o, nil
}

// checkQuota fails with OVERQUOTA if adding delta bytes puts the account over
// quota.
func (e *Engine) checkQuota(ctx context.Context, o *op, delta int64) error {
	over, err := e.Quota.CheckOverQuota(ctx, o.ref, delta)
	if err != nil {
		return o.errorf(CodeServerBug, err, textServerBug)
	} else if over {
		return o.errorf(CodeOverQuota, nil, textOverQuota)
	}
	return nil
}

// locked runs fn with the account lock held, and the in-process account write
// lock. The lock is released on every return path. Release failures are
// alerted, not returned.
func (e *Engine) locked(ctx context.Context, o *op, fn func() error) error {
	lock, err := e.Locker.Acquire(ctx, o.acc)
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			o.log.Infox("account lock not acquired", err)
		} else {
			o.log.Errorx("acquiring account lock", err)
		}
		return o.errorf(CodeUnavailable, err, textUnavailable)
	}
	defer func() {
		if err := e.Locker.Release(o.acc, lock); err != nil {
			e.alerts().Raise(alert.KindLockRelease, o.acc.Name, "releasing account lock", err, mlog.Field("holder", lock.Holder))
		}
	}()

	o.acc.Lock()
	defer o.acc.Unlock()
	return fn()
}

// txError returns the error for a failed transaction.
func (o *op) txError(err error) error {
	var merr *Error
	if errors.As(err, &merr) {
		return merr
	}
	if errors.Is(err, store.ErrAccountBusy) || errors.Is(err, store.ErrLockTimeout) {
		return o.errorf(CodeUnavailable, err, textUnavailable)
	}
	o.log.Errorx("mutation transaction failed", err)
	return o.errorf(CodeServerBug, err, textServerBug)
}

// Copy copies messages from a source mailbox to a destination mailbox.
func (e *Engine) Copy(ctx context.Context, req CopyRequest) (CopyResult, error) {
	return e.copyMove(ctx, "copy", req)
}

// Move moves messages from a source mailbox to a destination mailbox. Like
// Copy, but the messages are removed from the source mailbox. Usage does not
// change, so no accounting is done after commit.
func (e *Engine) Move(ctx context.Context, req CopyRequest) (CopyResult, error) {
	return e.copyMove(ctx, "move", req)
}

func (e *Engine) copyMove(ctx context.Context, name string, req CopyRequest) (res CopyResult, rerr error) {
	start := time.Now()
	defer func() {
		metrics.MutationObserve(name, resultLabel(rerr), res.Count, start)
	}()

	if e.Dispatch != nil && !e.Dispatch.Authoritative(req.Session.Account) {
		fn := e.Dispatch.Copy
		if name == "move" {
			fn = e.Dispatch.Move
		}
		return dispatch(ctx, e.Dispatch.PingInterval(), req.Session, req.Progress, func(ctx context.Context) (CopyResult, error) {
			return fn(ctx, req)
		})
	}

	if req.Account == nil {
		acc, err := e.openAccount(req.Session)
		if err != nil {
			return CopyResult{}, err
		}
		defer func() {
			err := acc.Close()
			xlog.Check(err, "closing account after operation")
		}()
		req.Account = acc
	}

	o, err := e.start(ctx, name, req.Session, req.Account)
	if err != nil {
		return CopyResult{}, err
	}
	acc := o.acc

	if err := e.checkQuota(ctx, o, 0); err != nil {
		return CopyResult{}, err
	}

	var src store.Mailbox
	var dst *store.Mailbox
	var count int
	err = acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		src, err = acc.MailboxGet(tx, req.MailboxID)
		if errors.Is(err, store.ErrUnknownMailbox) {
			return o.errorf(CodeNonExistent, err, textNonExistent)
		} else if err != nil {
			return err
		}
		dst, err = acc.MailboxFind(tx, req.Destination)
		if err != nil {
			return err
		} else if dst == nil {
			return o.errorf(CodeTryCreate, nil, textTryCreate)
		}
		if e.MaxBatch > 0 {
			count, err = sourceQuery(tx, src.ID, req.UIDs).Count()
		}
		return err
	})
	if err != nil {
		return CopyResult{}, o.txError(err)
	}
	if name == "move" && src.ID == dst.ID {
		return CopyResult{}, o.errorf(CodeCannot, nil, textSameMailbox)
	}
	if e.MaxBatch > 0 && count > e.MaxBatch {
		return CopyResult{}, o.errorf(CodeLimit, nil, textLimit, e.MaxBatch)
	}

	plan := store.CopyPlan{
		SourceID: src.ID,
		DestID:   dst.ID,
		Now:      time.Now(),
		RemoteIP: req.Session.RemoteIP,
		Origin:   store.OriginCopy,
	}
	var out store.CopyOutcome
	err = e.locked(ctx, o, func() error {
		return acc.DB.Write(ctx, func(tx *bstore.Tx) error {
			rows, err := sourceQuery(tx, src.ID, req.UIDs).List()
			if err != nil {
				return fmt.Errorf("listing source messages: %w", err)
			}
			if e.MaxBatch > 0 && len(rows) > e.MaxBatch {
				return o.errorf(CodeLimit, nil, textLimit, e.MaxBatch)
			}
			if name == "move" {
				plan.Origin = store.OriginMove
				out, err = acc.MoveBatch(tx, plan, rows)
			} else {
				out, err = acc.CopyBatch(tx, plan, rows)
			}
			return err
		})
	})
	if err != nil {
		return CopyResult{}, o.txError(err)
	}

	if name == "copy" && out.Size > 0 {
		e.postCommit(ctx, o, out.Size)
	}

	entries := notify.ExistsEntries(out.Messages)
	if name == "move" && len(out.SourceUIDs) > 0 {
		entries = append(entries, notify.ExpungeEntry(out.Source.ID, out.SourceUIDs, out.Source.ModSeq))
	}
	if len(entries) > 0 {
		e.Publisher.Publish(ctx, acc, entries)
	}

	o.log.Debug("messages "+name+"d", mlog.Field("source", src.Name), mlog.Field("destination", dst.Name), mlog.Field("count", len(out.DestUIDs)), mlog.Field("size", out.Size))
	return CopyResult{
		UIDValidity: out.UIDValidity,
		SourceUIDs:  out.SourceUIDs,
		DestUIDs:    out.DestUIDs,
		Count:       len(out.DestUIDs),
		Size:        out.Size,
	}, nil
}

// sourceQuery selects the non-expunged messages of a mailbox, in the given
// UID ranges, in increasing UID order.
func sourceQuery(tx *bstore.Tx, mailboxID int64, ranges []UIDRange) *bstore.Query[store.Message] {
	q := bstore.QueryTx[store.Message](tx)
	q.FilterNonzero(store.Message{MailboxID: mailboxID})
	q.FilterEqual("Expunged", false)
	if len(ranges) == 1 {
		q.FilterGreaterEqual("UID", ranges[0].First)
		if ranges[0].Last != 0 {
			q.FilterLessEqual("UID", ranges[0].Last)
		}
	} else if len(ranges) > 1 {
		q.FilterFn(func(m store.Message) bool {
			for _, r := range ranges {
				if r.contains(m.UID) {
					return true
				}
			}
			return false
		})
	}
	q.SortAsc("UID")
	return q
}

// postCommit starts a background task that checks whether the account went
// over quota by adding size bytes, and refreshes the stored usage. Neither
// affects the committed operation, problems are raised as alerts.
func (e *Engine) postCommit(ctx context.Context, o *op, size int64) {
	// Keep the account open for the background task.
	acc, err := store.OpenAccount(o.log, o.acc.Name)
	if err != nil {
		e.alerts().Raise(alert.KindUsage, o.acc.Name, "opening account for usage refresh", err)
		return
	}

	e.background(ctx, o.log, "accounting", func(ctx context.Context) {
		defer func() {
			err := acc.Close()
			o.log.Check(err, "closing account after accounting")
		}()

		if size > 0 {
			over, err := e.Quota.CheckOverQuota(ctx, o.ref, size)
			if err != nil {
				e.alerts().Raise(alert.KindUsage, acc.Name, "checking quota after commit", err)
			} else if over {
				e.alerts().Raise(alert.KindOverQuota, acc.Name, "account over quota after "+o.name, nil, mlog.Field("domain", o.ref.Domain), mlog.Field("size", size))
			}
		}

		if _, err := e.Quota.RefreshUsage(ctx, o.log, acc); err != nil {
			e.alerts().Raise(alert.KindUsage, acc.Name, "refreshing account usage", err)
		}
	})
}

func (e *Engine) openAccount(s Session) (*store.Account, error) {
	acc, err := store.OpenAccount(xlog, s.Account)
	if err != nil {
		o := &op{locale: sessionLocale(s)}
		if errors.Is(err, store.ErrAccountUnknown) {
			return nil, o.errorf(CodeAuthorizationFailed, err, textAuthorization)
		} else if errors.Is(err, store.ErrAccountBusy) {
			return nil, o.errorf(CodeUnavailable, err, textUnavailable)
		}
		return nil, o.errorf(CodeServerBug, err, textServerBug)
	}
	return acc, nil
}

// AppendRequest is a request to add a message to a mailbox.
type AppendRequest struct {
	Session  Session
	Account  *store.Account `json:"-"` // Open account. Opened by the engine if nil.
	Mailbox  string         // Name of destination mailbox.
	Message  []byte         // Full message.
	Flags    store.Flags
	Keywords []string
	Received time.Time // Internal date. Current time if zero.

	Progress func(text string) `json:"-"`
}

// AppendResult is the result of a successful append.
type AppendResult struct {
	UIDValidity uint32
	UID         store.UID
	Size        int64
}

// Append adds a message to a mailbox. The message size is checked against the
// quota before anything is written.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (res AppendResult, rerr error) {
	start := time.Now()
	defer func() {
		n := 0
		if rerr == nil {
			n = 1
		}
		metrics.MutationObserve("append", resultLabel(rerr), n, start)
	}()

	if e.Dispatch != nil && !e.Dispatch.Authoritative(req.Session.Account) {
		return dispatch(ctx, e.Dispatch.PingInterval(), req.Session, req.Progress, func(ctx context.Context) (AppendResult, error) {
			return e.Dispatch.Append(ctx, req)
		})
	}

	if req.Account == nil {
		acc, err := e.openAccount(req.Session)
		if err != nil {
			return AppendResult{}, err
		}
		defer func() {
			err := acc.Close()
			xlog.Check(err, "closing account after operation")
		}()
		req.Account = acc
	}

	o, err := e.start(ctx, "append", req.Session, req.Account)
	if err != nil {
		return AppendResult{}, err
	}
	acc := o.acc

	m, atts, err := store.PrepareMessage(req.Message)
	if err != nil {
		return AppendResult{}, o.errorf(CodeParse, err, textParse)
	}
	if err := e.checkQuota(ctx, o, m.Size); err != nil {
		return AppendResult{}, err
	}

	var mb *store.Mailbox
	err = acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = acc.MailboxFind(tx, req.Mailbox)
		if err == nil && mb == nil {
			return o.errorf(CodeTryCreate, nil, textTryCreate)
		}
		return err
	})
	if err != nil {
		return AppendResult{}, o.txError(err)
	}

	plan := store.AppendPlan{
		MailboxID: mb.ID,
		Now:       time.Now(),
		Received:  req.Received,
		RemoteIP:  req.Session.RemoteIP,
		Origin:    store.OriginAppend,
		Flags:     req.Flags,
		Keywords:  req.Keywords,
	}
	var nm store.Message
	var nmb store.Mailbox
	err = e.locked(ctx, o, func() error {
		return acc.DB.Write(ctx, func(tx *bstore.Tx) error {
			var err error
			nm, nmb, err = acc.AppendMessage(tx, plan, m, atts)
			return err
		})
	})
	if err != nil {
		return AppendResult{}, o.txError(err)
	}

	e.postCommit(ctx, o, 0)
	e.Publisher.Publish(ctx, acc, notify.ExistsEntries([]store.Message{nm}))

	o.log.Debug("message appended", mlog.Field("mailbox", nmb.Name), mlog.Field("uid", nm.UID), mlog.Field("size", nm.Size))
	return AppendResult{UIDValidity: nmb.UIDValidity, UID: nm.UID, Size: nm.Size}, nil
}
