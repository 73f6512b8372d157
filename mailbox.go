package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/mutate"
	"github.com/mjl-/selfmail/notify"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/store"
)

// openAccount opens an account for a command, and returns a function to close
// it.
func openAccount(log *mlog.Log, name string) (*store.Account, func()) {
	acc, err := store.OpenAccount(log, name)
	xcheckf(err, "open account")
	return acc, func() {
		err := acc.Close()
		log.Check(err, "closing account")
	}
}

func cmdMailboxList(c *cmd) {
	c.params = "account"
	c.help = `List mailboxes of an account.

For each mailbox, the uid validity, next uid, modseq, special-use flags,
retention and number of messages are printed.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	acc, done := openAccount(c.log, args[0])
	defer done()

	ctx := context.Background()
	mbl, err := acc.Mailboxes(ctx)
	xcheckf(err, "listing mailboxes")

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "name\tuidvalidity\tuidnext\tmodseq\tuse\tretention\tmessages")
	for _, mb := range mbl {
		n, err := bstore.QueryDB[store.Message](ctx, acc.DB).FilterNonzero(store.Message{MailboxID: mb.ID}).FilterEqual("Expunged", false).Count()
		xcheckf(err, "counting messages")
		retention := "-"
		if mb.Retention != nil {
			retention = mb.Retention.String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%d\n", mb.Name, mb.UIDValidity, mb.UIDNext, mb.ModSeq, specialUseString(mb.SpecialUse), retention, n)
	}
	err = tw.Flush()
	xcheckf(err, "write")
}

func specialUseString(use store.SpecialUse) string {
	var l []string
	if use.Archive {
		l = append(l, "archive")
	}
	if use.Draft {
		l = append(l, "draft")
	}
	if use.Junk {
		l = append(l, "junk")
	}
	if use.Sent {
		l = append(l, "sent")
	}
	if use.Trash {
		l = append(l, "trash")
	}
	if len(l) == 0 {
		return "-"
	}
	return strings.Join(l, ",")
}

func parseSpecialUse(s string) (store.SpecialUse, error) {
	var use store.SpecialUse
	if s == "" {
		return use, nil
	}
	for _, w := range strings.Split(s, ",") {
		switch strings.TrimPrefix(strings.ToLower(w), `\`) {
		case "archive":
			use.Archive = true
		case "draft", "drafts":
			use.Draft = true
		case "junk":
			use.Junk = true
		case "sent":
			use.Sent = true
		case "trash":
			use.Trash = true
		default:
			return use, fmt.Errorf("unknown special-use %q", w)
		}
	}
	return use, nil
}

func cmdMailboxCreate(c *cmd) {
	c.params = "[-use special-use] account mailbox"
	c.help = `Create a mailbox, including missing parent mailboxes.

Special-use is a comma-separated list of: archive, draft, junk, sent, trash.
Retention for the new mailbox is taken from the account configuration.
`
	var use string
	c.flag.StringVar(&use, "use", "", "special-use flags for mailbox")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	su, err := parseSpecialUse(use)
	xcheckf(err, "parsing special-use")
	mustLoadConfig()

	defer store.Switchboard()()
	acc, done := openAccount(c.log, args[0])
	defer done()

	acc.Lock()
	defer acc.Unlock()

	var mb store.Mailbox
	var changes []store.Change
	err = acc.DB.Write(context.Background(), func(tx *bstore.Tx) error {
		if x, err := acc.MailboxFind(tx, args[1]); err != nil {
			return err
		} else if x != nil {
			return fmt.Errorf("mailbox %q already exists", args[1])
		}
		mb, changes, err = acc.MailboxEnsure(tx, args[1])
		if err != nil {
			return err
		}
		if su != (store.SpecialUse{}) {
			mb.SpecialUse = su
			return tx.Update(&mb)
		}
		return nil
	})
	xcheckf(err, "creating mailbox")
	store.BroadcastChanges(acc, changes)
	fmt.Printf("created mailbox %q, uidvalidity %d\n", mb.Name, mb.UIDValidity)
}

func cmdMailboxRetention(c *cmd) {
	c.params = "account mailbox [duration]"
	c.help = `Set or clear the retention for messages placed in a mailbox.

Without duration, retention is cleared. A duration of 0 means messages placed
in the mailbox do not expire. The new retention only applies to messages
placed in the mailbox afterwards, by delivery, copy or move.
`
	args := c.Parse()
	if len(args) != 2 && len(args) != 3 {
		c.Usage()
	}
	var retention *time.Duration
	if len(args) == 3 {
		d, err := time.ParseDuration(args[2])
		xcheckf(err, "parsing duration")
		if d < 0 {
			log.Fatalf("duration cannot be negative")
		}
		retention = &d
	}
	mustLoadConfig()

	acc, done := openAccount(c.log, args[0])
	defer done()
	acc.Lock()
	defer acc.Unlock()
	err := acc.SetMailboxRetention(context.Background(), args[1], retention)
	xcheckf(err, "setting retention")
}

func cmdExpunge(c *cmd) {
	c.params = "-uids set account mailbox"
	c.help = `Expunge messages from a mailbox.

The set of UIDs is a comma-separated list of UIDs and ranges. UIDs that are not
in the mailbox are ignored. Attachment files that are no longer referenced are
removed, and account usage is refreshed.
`
	var uids string
	c.flag.StringVar(&uids, "uids", "", "set of uids to expunge, required")
	args := c.Parse()
	if len(args) != 2 || uids == "" {
		c.Usage()
	}
	ranges, err := parseUIDSet(uids)
	xcheckf(err, "parsing uid set")
	mustLoadConfig()

	defer store.Switchboard()()
	ctx := context.Background()
	acc, done := openAccount(c.log, args[0])
	defer done()

	pipe, err := notify.ConfiguredPipe(c.log)
	xcheckf(err, "change notification pipe")
	if pipe != nil {
		defer pipe.Close()
		if err := pipe.InitPush(); err != nil {
			c.log.Errorx("connecting to push changes, other processes will not see changes", err)
		}
	}

	locker := fileLocker()
	lock, err := locker.Acquire(ctx, acc)
	xcheckf(err, "acquiring account lock")
	defer func() {
		err := locker.Release(acc, lock)
		c.log.Check(err, "releasing account lock")
	}()

	ch, err := func() (store.ChangeRemoveUIDs, error) {
		acc.Lock()
		defer acc.Unlock()

		var mailboxID int64
		var l []store.UID
		err := acc.DB.Read(ctx, func(tx *bstore.Tx) error {
			mb, err := acc.MailboxFind(tx, args[1])
			if err != nil {
				return err
			} else if mb == nil {
				return store.ErrUnknownMailbox
			}
			mailboxID = mb.ID
			return bstore.QueryTx[store.Message](tx).FilterNonzero(store.Message{MailboxID: mb.ID}).FilterEqual("Expunged", false).ForEach(func(m store.Message) error {
				if uidInRanges(m.UID, ranges) {
					l = append(l, m.UID)
				}
				return nil
			})
		})
		if err != nil {
			return store.ChangeRemoveUIDs{}, err
		}
		return acc.ExpungeMessages(ctx, c.log, mailboxID, l)
	}()
	xcheckf(err, "expunging messages")

	if pipe != nil && len(ch.UIDs) > 0 {
		err := pipe.Push(ctx, notify.Update{Account: acc.Name, Entries: []notify.Entry{notify.ExpungeEntry(ch.MailboxID, ch.UIDs, ch.ModSeq)}})
		c.log.Check(err, "pushing changes to other processes")
	}
	refreshUsage(c.log, acc)
	fmt.Printf("expunged %d messages\n", len(ch.UIDs))
}

func uidInRanges(uid store.UID, ranges []mutate.UIDRange) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if uid >= r.First && (r.Last == 0 || uid <= r.Last) {
			return true
		}
	}
	return false
}

func cmdExpire(c *cmd) {
	c.params = "[account ...]"
	c.help = `Expunge messages whose retention has expired.

Without accounts, all configured accounts are processed. A running "selfmail
serve" does this periodically.
`
	args := c.Parse()
	mustLoadConfig()
	if len(args) == 0 {
		args = selfmail.Conf.Accounts()
	}

	defer store.Switchboard()()
	locker := fileLocker()
	for _, name := range args {
		acc, done := openAccount(c.log, name)
		n, err := acc.ExpireMessages(context.Background(), c.log, locker, time.Now())
		if err != nil {
			done()
			xcheckf(err, "expiring messages for account %s", name)
		}
		if n > 0 {
			refreshUsage(c.log, acc)
		}
		done()
		fmt.Printf("%s: expunged %d messages\n", name, n)
	}
}
