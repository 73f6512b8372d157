package store

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/selfmail-"
)

// ExpiryInterval is the time between runs of retention expiry.
var ExpiryInterval = time.Hour

// ExpireMessages expunges messages in the account whose retention has expired
// at now. The mutation lock is acquired through locker. Returns the number of
// messages expunged.
func (a *Account) ExpireMessages(ctx context.Context, log *mlog.Log, locker Locker, now time.Time) (n int, rerr error) {
	lock, err := locker.Acquire(ctx, a)
	if err != nil {
		return 0, err
	}
	defer func() {
		err := locker.Release(a, lock)
		log.Check(err, "releasing account lock after expiry", mlog.Field("account", a.Name))
	}()

	a.Lock()
	defer a.Unlock()

	var changes []Change
	var unused []string
	err = a.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Message](tx)
		q.FilterNonzero(Message{Retain: true})
		q.FilterEqual("Expunged", false)
		q.FilterLessEqual("Expires", now)
		q.SortAsc("MailboxID", "UID")
		msgs, err := q.List()
		if err != nil {
			return fmt.Errorf("listing expired messages: %w", err)
		}

		for len(msgs) > 0 {
			i := 1
			for i < len(msgs) && msgs[i].MailboxID == msgs[0].MailboxID {
				i++
			}
			mb, err := a.MailboxGet(tx, msgs[0].MailboxID)
			if err != nil {
				return err
			}
			ch, l, err := a.expungeTx(tx, &mb, msgs[:i], now)
			if err != nil {
				return err
			}
			changes = append(changes, ch)
			unused = append(unused, l...)
			n += i
			msgs = msgs[i:]
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	a.removeAttachmentFiles(log, unused)
	BroadcastChanges(a, changes)
	return n, nil
}

// StartExpiry starts a goroutine that periodically expunges messages with
// expired retention, for all configured accounts, until ctx is canceled.
func StartExpiry(ctx context.Context, locker Locker) {
	log := xlog.WithContext(ctx)

	go func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			log.Error("unhandled panic in retention expiry", mlog.Field("panic", fmt.Sprint(x)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Store)
		}()

		t := time.NewTicker(ExpiryInterval)
		defer t.Stop()
		for {
			for _, name := range selfmail.Conf.Accounts() {
				expireAccount(ctx, log, locker, name)
			}

			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func expireAccount(ctx context.Context, log *mlog.Log, locker Locker, name string) {
	acc, err := OpenAccount(log, name)
	if err != nil {
		log.Errorx("open account for expiry", err, mlog.Field("account", name))
		return
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account after expiry")
	}()
	n, err := acc.ExpireMessages(ctx, log, locker, time.Now())
	if err != nil {
		log.Errorx("expiring messages", err, mlog.Field("account", name))
	} else if n > 0 {
		log.Info("expunged messages with expired retention", mlog.Field("account", name), mlog.Field("count", n))
	}
}
