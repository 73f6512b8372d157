package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/mlog"
)

// expungeTx marks messages of a single mailbox as expunged, decrements the
// references to their attachments and reduces the disk usage. The mailbox
// modseq is incremented once and stamped on the expunged messages. Returns the
// change for the mailbox, and hashes of attachments without references, whose
// files must be removed after commit.
func (a *Account) expungeTx(tx *bstore.Tx, mb *Mailbox, msgs []Message, now time.Time) (ChangeRemoveUIDs, []string, error) {
	if len(msgs) == 0 {
		return ChangeRemoveUIDs{}, nil, nil
	}
	mb.ModSeq++
	var unused []string
	var size int64
	uids := make([]UID, 0, len(msgs))
	for _, m := range msgs {
		if m.MailboxID != mb.ID || m.Expunged {
			return ChangeRemoveUIDs{}, nil, fmt.Errorf("message %d not present in mailbox %d", m.ID, mb.ID)
		}
		part, err := m.LoadPart()
		if err != nil {
			return ChangeRemoveUIDs{}, nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		if hashes := part.AttachmentHashes(); len(hashes) > 0 {
			l, err := DecrementReferences(tx, hashes, m.Magic, now)
			if err != nil {
				return ChangeRemoveUIDs{}, nil, fmt.Errorf("message %d: %w", m.ID, err)
			}
			unused = append(unused, l...)
		}
		m.Expunged = true
		m.ModSeq = mb.ModSeq
		if err := tx.Update(&m); err != nil {
			return ChangeRemoveUIDs{}, nil, fmt.Errorf("marking message expunged: %w", err)
		}
		size += m.Size
		uids = append(uids, m.UID)
	}
	if err := tx.Update(mb); err != nil {
		return ChangeRemoveUIDs{}, nil, fmt.Errorf("updating mailbox: %w", err)
	}
	if err := addDiskUsage(tx, -size); err != nil {
		return ChangeRemoveUIDs{}, nil, err
	}
	return ChangeRemoveUIDs{MailboxID: mb.ID, UIDs: uids, ModSeq: mb.ModSeq}, unused, nil
}

// ExpungeMessages expunges messages with the given UIDs from a mailbox. UIDs
// that are not present are ignored. Changes are broadcast. Must be called with
// the account write lock and mutation lock held.
func (a *Account) ExpungeMessages(ctx context.Context, log *mlog.Log, mailboxID int64, uids []UID) (ChangeRemoveUIDs, error) {
	if len(uids) == 0 {
		return ChangeRemoveUIDs{}, nil
	}
	var ch ChangeRemoveUIDs
	var unused []string
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := a.MailboxGet(tx, mailboxID)
		if err != nil {
			return err
		}
		l := make([]any, len(uids))
		for i, uid := range uids {
			l[i] = uid
		}
		q := bstore.QueryTx[Message](tx)
		q.FilterNonzero(Message{MailboxID: mailboxID})
		q.FilterEqual("Expunged", false)
		q.FilterEqual("UID", l...)
		q.SortAsc("UID")
		msgs, err := q.List()
		if err != nil {
			return fmt.Errorf("listing messages: %w", err)
		}
		ch, unused, err = a.expungeTx(tx, &mb, msgs, time.Now())
		return err
	})
	if err != nil {
		return ChangeRemoveUIDs{}, err
	}
	a.removeAttachmentFiles(log, unused)
	if len(ch.UIDs) > 0 {
		BroadcastChanges(a, []Change{ch})
	}
	return ch, nil
}
