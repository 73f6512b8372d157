// Package quota keeps track of message storage used by accounts and checks it
// against configured limits.
//
// Usage per account is stored in usage.db in the data directory, so limits for
// a domain can be checked without opening the databases of all its accounts.
// The figure for an account is refreshed from its own database after
// mutations.
package quota

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/store"
)

var xlog = mlog.New("quota")

// DBTypes are the types stored in usage.db.
var DBTypes = []any{AccountUsage{}}

// AccountUsage is the last known total message size of an account.
type AccountUsage struct {
	Account     string // Name of account, primary key.
	Domain      string `bstore:"index"` // Normalized domain of account.
	MessageSize int64
	Updated     time.Time
}

// Ref identifies the account, and its domain, an operation is accounted to.
type Ref struct {
	Account string
	Domain  string
}

// Accountant checks usage against limits and refreshes usage.
type Accountant struct {
	DB *bstore.DB

	refresh singleflight.Group
}

// Open opens or creates the usage database at path. An empty path uses
// usage.db in the data directory.
func Open(ctx context.Context, path string) (*Accountant, error) {
	if path == "" {
		path = selfmail.DataDirPath("usage.db")
	}
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	return &Accountant{DB: db}, nil
}

// Close closes the usage database.
func (q *Accountant) Close() error {
	return q.DB.Close()
}

// Limits returns the limit for the account and the limit for all accounts of
// the domain together. Zero means no limit.
func Limits(ref Ref) (account, domain int64) {
	account = selfmail.Conf.AccountQuota(ref.Account)
	if account < 0 {
		account = 0
	}
	if dom, ok := selfmail.Conf.Domain(ref.Domain); ok && dom.QuotaMessageSize > 0 {
		domain = dom.QuotaMessageSize
	}
	return
}

// CheckOverQuota returns whether adding delta bytes to the account puts the
// account, or all accounts of its domain together, over their limit. With a
// zero delta, it returns whether the account or domain is already over quota.
func (q *Accountant) CheckOverQuota(ctx context.Context, ref Ref, delta int64) (bool, error) {
	accLimit, domLimit := Limits(ref)
	if accLimit == 0 && domLimit == 0 {
		return false, nil
	}

	var accSize, domSize int64
	err := q.DB.Read(ctx, func(tx *bstore.Tx) error {
		u := AccountUsage{Account: ref.Account}
		if err := tx.Get(&u); err != nil && err != bstore.ErrAbsent {
			return fmt.Errorf("get account usage: %w", err)
		}
		accSize = u.MessageSize

		if domLimit == 0 {
			return nil
		}
		return bstore.QueryTx[AccountUsage](tx).FilterNonzero(AccountUsage{Domain: ref.Domain}).ForEach(func(u AccountUsage) error {
			domSize += u.MessageSize
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	if accLimit > 0 && accSize+delta > accLimit {
		return true, nil
	}
	if domLimit > 0 && domSize+delta > domLimit {
		return true, nil
	}
	return false, nil
}

// RefreshUsage recalculates the total message size of the account from its
// database, and stores it. Concurrent refreshes for one account are collapsed
// into a single recalculation.
func (q *Accountant) RefreshUsage(ctx context.Context, log *mlog.Log, acc *store.Account) (int64, error) {
	v, err, shared := q.refresh.Do(acc.Name, func() (any, error) {
		size, err := acc.RecalculateDiskUsage(ctx)
		if err != nil {
			return int64(0), fmt.Errorf("recalculating disk usage: %w", err)
		}
		var domain string
		if conf, ok := acc.Conf(); ok {
			domain = conf.DNSDomain
		}
		err = q.DB.Write(ctx, func(tx *bstore.Tx) error {
			u := AccountUsage{Account: acc.Name}
			err := tx.Get(&u)
			if err == bstore.ErrAbsent {
				return tx.Insert(&AccountUsage{acc.Name, domain, size, time.Now()})
			} else if err != nil {
				return err
			}
			u.Domain = domain
			u.MessageSize = size
			u.Updated = time.Now()
			return tx.Update(&u)
		})
		if err != nil {
			return int64(0), fmt.Errorf("storing account usage: %w", err)
		}
		return size, nil
	})
	log.Debug("usage refreshed", mlog.Field("account", acc.Name), mlog.Field("shared", shared))
	return v.(int64), err
}

// Usage returns the stored usage for an account. An account without usage
// record has zero usage.
func (q *Accountant) Usage(ctx context.Context, account string) (AccountUsage, error) {
	u := AccountUsage{Account: account}
	err := q.DB.Get(ctx, &u)
	if err == bstore.ErrAbsent {
		return AccountUsage{Account: account}, nil
	}
	return u, err
}

// List returns the stored usage of all accounts, sorted by account name.
func (q *Accountant) List(ctx context.Context) ([]AccountUsage, error) {
	return bstore.QueryDB[AccountUsage](ctx, q.DB).SortAsc("Account").List()
}
