package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/quota"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/store"
)

func cmdVerify(c *cmd) {
	c.params = "[account ...]"
	c.help = `Verify the databases and attachment files of accounts.

Each database file is checked to be a valid BoltDB/bstore database. For
accounts, mailbox UIDNext is checked to be above the UIDs of its messages,
attachment reference counters and magic sums are checked against the messages
referencing them, attachment files must exist, and the stored disk usage must
match the message sizes.

Without accounts, all configured accounts and the usage database are checked.
Accounts without database, i.e. never used, are skipped. Verify does not create
databases. Exits with status 1 if problems were found.
`
	args := c.Parse()
	mustLoadConfig()

	ctxbg := context.Background()

	var fail bool
	report := func(what string, errs []error) {
		for _, err := range errs {
			fail = true
			log.Printf("error: %s: %v", what, err)
		}
	}

	if len(args) == 0 {
		args = selfmail.Conf.Accounts()
		report("usage database", verifyDB(ctxbg, selfmail.DataDirPath("usage.db"), quota.DBTypes))
	}
	for _, name := range args {
		checked, errs := verifyAccount(ctxbg, c.log, name)
		report("account "+name, errs)
		if !checked && len(errs) == 0 {
			log.Printf("%s: no database, skipped", name)
		}
	}
	if fail {
		log.Printf("problems found")
		os.Exit(1)
	}
	fmt.Println("no problems found")
}

// verifyDB checks the database file at path with bolt and bstore, parsing all
// records. A missing file is not a problem.
func verifyDB(ctx context.Context, path string, types []any) (errs []error) {
	checkf := func(err error, format string, args ...any) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %s: %w", path, fmt.Sprintf(format, args...), err))
		}
	}

	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		checkf(err, "checking if database file exists")
		return
	}
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	checkf(err, "open database with bolt")
	if err != nil {
		return
	}
	err = bdb.View(func(tx *bolt.Tx) error {
		for err := range tx.Check() {
			checkf(err, "bolt database problem")
		}
		return nil
	})
	checkf(err, "reading bolt database")
	if err := bdb.Close(); err != nil {
		log.Printf("closing database file: %v", err)
	}

	db, err := bstore.Open(ctx, path, &bstore.Options{MustExist: true, Timeout: time.Second}, types...)
	checkf(err, "open database with bstore")
	if err != nil {
		return
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("closing database file: %v", err)
		}
	}()
	err = db.Read(ctx, func(tx *bstore.Tx) error {
		// Parse all records of all types.
		tl, err := tx.Types()
		checkf(err, "getting bstore types from database")
		if err != nil {
			return nil
		}
		for _, t := range tl {
			var fields []string
			err := tx.Records(t, &fields, func(map[string]any) error {
				return nil
			})
			checkf(err, "parsing records for type %q", t)
		}
		return nil
	})
	checkf(err, "checking database file")
	return
}

// verifyAccount checks the database of an account and its consistency.
// Checked is false if the account has no database yet, it is not created.
func verifyAccount(ctx context.Context, log *mlog.Log, name string) (checked bool, errs []error) {
	if _, ok := selfmail.Conf.Account(name); !ok {
		return false, []error{fmt.Errorf("%w: %q", store.ErrAccountUnknown, name)}
	}
	dbpath := filepath.Join(selfmail.DataDirPath("accounts"), name, "index.db")
	if _, err := os.Stat(dbpath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, []error{err}
	}

	errs = verifyDB(ctx, dbpath, store.DBTypes)
	if len(errs) > 0 {
		return true, errs
	}

	acc, err := store.OpenAccount(log, name)
	if err != nil {
		return true, []error{fmt.Errorf("open account: %w", err)}
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account")
	}()
	l, err := acc.CheckConsistency(ctx)
	if err != nil {
		return true, []error{fmt.Errorf("checking consistency: %w", err)}
	}
	return true, l
}

// refreshUsage recalculates and stores usage of the account, logging errors.
func refreshUsage(log *mlog.Log, acc *store.Account) {
	q, err := quota.Open(context.Background(), "")
	if err != nil {
		log.Errorx("opening usage database", err)
		return
	}
	defer func() {
		log.Check(q.Close(), "closing usage database")
	}()
	_, err = q.RefreshUsage(context.Background(), log, acc)
	log.Check(err, "refreshing usage", mlog.Field("account", acc.Name))
}

func cmdUsage(c *cmd) {
	c.params = "[-refresh] [-domain domain] [account ...]"
	c.help = `Print message storage usage of accounts and their limits.

Usage is stored per account in the usage database, and is refreshed after each
mutation. With -refresh, the usage is first recalculated from the account
databases. With -domain, only accounts of the domain are printed, followed by
the total for the domain. A limit of 0 means unlimited.
`
	var refresh bool
	var domainName string
	c.flag.BoolVar(&refresh, "refresh", false, "recalculate usage before printing")
	c.flag.StringVar(&domainName, "domain", "", "only print accounts of domain, and its total")
	args := c.Parse()
	mustLoadConfig()
	if domainName != "" {
		if len(args) != 0 {
			c.Usage()
		}
		d, err := selfmail.NormalizeDomain(domainName)
		xcheckf(err, "parsing domain")
		if _, ok := selfmail.Conf.Domain(d); !ok {
			log.Fatalf("unknown domain %q", domainName)
		}
		domainName = d
		args = selfmail.Conf.DomainAccounts(d)
	} else if len(args) == 0 {
		args = selfmail.Conf.Accounts()
	}

	ctx := context.Background()
	q, err := quota.Open(ctx, "")
	xcheckf(err, "opening usage database")
	defer func() {
		c.log.Check(q.Close(), "closing usage database")
	}()

	var total int64
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "account\tdomain\tusage\tlimit\tdomainlimit\tupdated")
	for _, name := range args {
		if refresh {
			acc, done := openAccount(c.log, name)
			_, err := q.RefreshUsage(ctx, c.log, acc)
			done()
			xcheckf(err, "refreshing usage for %s", name)
		}
		u, err := q.Usage(ctx, name)
		xcheckf(err, "usage for %s", name)
		var domain string
		if conf, ok := selfmail.Conf.Account(name); ok {
			domain = conf.DNSDomain
		}
		limit, domainLimit := quota.Limits(quota.Ref{Account: name, Domain: domain})
		updated := "-"
		if !u.Updated.IsZero() {
			updated = u.Updated.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", name, domain, u.MessageSize, limit, domainLimit, updated)
		total += u.MessageSize
	}
	if domainName != "" {
		_, domainLimit := quota.Limits(quota.Ref{Domain: domainName})
		fmt.Fprintf(tw, "(total)\t%s\t%d\t-\t%d\t-\n", domainName, total, domainLimit)
	}
	err = tw.Flush()
	xcheckf(err, "write")
}
