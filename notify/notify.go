// Package notify publishes changes to mailboxes after mutations are committed,
// so other sessions on the same account, e.g. IMAP connections in IDLE, see
// them.
//
// Within a process, entries are handed to the store switchboard. With a pipe
// configured, entries are also sent to other processes that have the same
// accounts open, which broadcast them to their own sessions.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/store"
)

var xlog = mlog.New("notify")

// Command is the kind of change of an entry.
type Command string

const (
	CommandExists  Command = "exists"  // New message in mailbox.
	CommandExpunge Command = "expunge" // Messages removed from mailbox.
)

// Entry is a change for a mailbox, accumulated during a mutation and published
// after commit.
type Entry struct {
	Command   Command
	MailboxID int64
	UID       store.UID   // For exists.
	UIDs      []store.UID `json:",omitempty"` // For expunge, in increasing order.
	MessageID int64       `json:",omitempty"`
	ModSeq    store.ModSeq
	Flags     store.Flags
	Keywords  []string `json:",omitempty"`
}

// ExistsEntries returns entries for new messages.
func ExistsEntries(msgs []store.Message) []Entry {
	l := make([]Entry, len(msgs))
	for i, m := range msgs {
		l[i] = Entry{
			Command:   CommandExists,
			MailboxID: m.MailboxID,
			UID:       m.UID,
			MessageID: m.ID,
			ModSeq:    m.ModSeq,
			Flags:     m.Flags,
			Keywords:  m.Keywords,
		}
	}
	return l
}

// ExpungeEntry returns an entry for messages removed from a mailbox.
func ExpungeEntry(mailboxID int64, uids []store.UID, modseq store.ModSeq) Entry {
	return Entry{Command: CommandExpunge, MailboxID: mailboxID, UIDs: uids, ModSeq: modseq}
}

// Change returns the store change for the entry.
func (e Entry) Change() (store.Change, error) {
	switch e.Command {
	case CommandExists:
		return store.ChangeAddUID{MailboxID: e.MailboxID, UID: e.UID, MessageID: e.MessageID, ModSeq: e.ModSeq, Flags: e.Flags, Keywords: e.Keywords}, nil
	case CommandExpunge:
		return store.ChangeRemoveUIDs{MailboxID: e.MailboxID, UIDs: e.UIDs, ModSeq: e.ModSeq}, nil
	}
	return nil, fmt.Errorf("unknown command %q", e.Command)
}

// Changes returns store changes for entries, skipping unknown commands.
func Changes(log *mlog.Log, entries []Entry) []store.Change {
	l := make([]store.Change, 0, len(entries))
	for _, e := range entries {
		ch, err := e.Change()
		if err != nil {
			log.Errorx("skipping notify entry", err)
			continue
		}
		l = append(l, ch)
	}
	return l
}

// Update holds entries for an account, as exchanged with other processes.
type Update struct {
	Account string
	Entries []Entry
}

// Pipe exchanges updates with other processes.
type Pipe interface {
	// Listen starts receiving updates from other processes, delivering them on
	// updates. Updates pushed by this pipe itself are not delivered.
	Listen(updates chan<- Update) error

	// InitPush prepares for pushing only, for processes that don't need
	// updates from others. Either Listen or InitPush is called.
	InitPush() error

	// Push sends an update to other processes.
	Push(ctx context.Context, u Update) error

	Close() error
}

func formatUpdate(sender string, u Update) (string, error) {
	buf, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("marshal update: %w", err)
	}
	return sender + ";" + string(buf) + "\n", nil
}

func parseUpdate(s string) (sender string, u Update, err error) {
	sender, data, ok := strings.Cut(strings.TrimSuffix(s, "\n"), ";")
	if !ok {
		return "", Update{}, fmt.Errorf("missing sender separator")
	}
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return "", Update{}, fmt.Errorf("parsing update: %w", err)
	}
	if u.Account == "" {
		return "", Update{}, fmt.Errorf("update without account")
	}
	return sender, u, nil
}

// Notifier publishes entries.
type Notifier struct {
	Pipe Pipe // Optional.
}

// Publish broadcasts entries to sessions of the account, and through the pipe
// to other processes. Nothing is done when there are no entries. Failures to
// push to other processes are logged.
func (n *Notifier) Publish(ctx context.Context, acc *store.Account, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	log := xlog.WithContext(ctx)

	store.BroadcastChanges(acc, Changes(log, entries))
	metrics.NotifyAdd("local", len(entries))

	if n.Pipe == nil {
		return
	}
	if err := n.Pipe.Push(ctx, Update{acc.Name, entries}); err != nil {
		log.Errorx("pushing changes to other processes", err, mlog.Field("account", acc.Name))
		return
	}
	metrics.NotifyAdd("pipe", len(entries))
}

// StartPush prepares the pipe for publishing only. Used by short-lived
// processes.
func (n *Notifier) StartPush() error {
	if n.Pipe == nil {
		return nil
	}
	if err := n.Pipe.InitPush(); err != nil {
		return fmt.Errorf("connect for pushing changes: %w", err)
	}
	return nil
}

// Start listens on the pipe for updates from other processes and broadcasts
// them to local sessions, until ctx is canceled.
func (n *Notifier) Start(ctx context.Context) error {
	if n.Pipe == nil {
		return nil
	}
	updates := make(chan Update, 64)
	if err := n.Pipe.Listen(updates); err != nil {
		return fmt.Errorf("listen for changes: %w", err)
	}

	go func() {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			xlog.Error("unhandled panic in notify listener", mlog.Field("panic", fmt.Sprint(x)))
			debug.PrintStack()
			metrics.PanicInc(metrics.Notify)
		}()

		for {
			select {
			case u := <-updates:
				xlog.Debug("received changes from other process", mlog.Field("account", u.Account), mlog.Field("entries", len(u.Entries)))
				store.BroadcastAccountChanges(u.Account, Changes(xlog, u.Entries))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
