package store

import (
	"context"
	"fmt"
	"os"

	"github.com/mjl-/bstore"
)

// CheckConsistency verifies the account database: UIDNext of each mailbox is
// above the UIDs of its messages, attachment counters and magic sums match the
// non-expunged messages referencing them, attachment files exist, and the
// stored disk usage matches the message sizes. Returns all problems found.
func (a *Account) CheckConsistency(ctx context.Context) ([]error, error) {
	var errs []error
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		mailboxes := map[int64]Mailbox{}
		err := bstore.QueryTx[Mailbox](tx).ForEach(func(mb Mailbox) error {
			mailboxes[mb.ID] = mb
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing mailboxes: %w", err)
		}

		type attref struct {
			counter int64
			magic   int64
		}
		refs := map[string]attref{}
		var size int64
		err = bstore.QueryTx[Message](tx).ForEach(func(m Message) error {
			mb, ok := mailboxes[m.MailboxID]
			if !ok {
				errs = append(errs, fmt.Errorf("message %d: unknown mailbox %d", m.ID, m.MailboxID))
				return nil
			}
			if m.UID >= mb.UIDNext {
				errs = append(errs, fmt.Errorf("message %d: uid %d not below uidnext %d of mailbox %q", m.ID, m.UID, mb.UIDNext, mb.Name))
			}
			if m.Expunged {
				return nil
			}
			size += m.Size
			part, err := m.LoadPart()
			if err != nil {
				errs = append(errs, fmt.Errorf("message %d: %w", m.ID, err))
				return nil
			}
			for _, h := range part.AttachmentHashes() {
				r := refs[h]
				r.counter++
				r.magic += m.Magic
				refs[h] = r
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing messages: %w", err)
		}

		err = bstore.QueryTx[Attachment](tx).ForEach(func(att Attachment) error {
			r, ok := refs[att.Hash]
			delete(refs, att.Hash)
			if !ok {
				errs = append(errs, fmt.Errorf("attachment %s: not referenced, counter %d", att.Hash, att.Counter))
			} else if r.counter != att.Counter || r.magic != att.Magic {
				errs = append(errs, fmt.Errorf("attachment %s: counter %d magic %d, expected counter %d magic %d", att.Hash, att.Counter, att.Magic, r.counter, r.magic))
			}
			if _, err := os.Stat(a.AttachmentPath(att.Hash)); err != nil {
				errs = append(errs, fmt.Errorf("attachment %s: data file: %w", att.Hash, err))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing attachments: %w", err)
		}
		for h, r := range refs {
			errs = append(errs, fmt.Errorf("attachment %s: referenced by %d messages but no record", h, r.counter))
		}

		du := DiskUsage{ID: 1}
		if err := tx.Get(&du); err != nil {
			errs = append(errs, fmt.Errorf("disk usage: %w", err))
		} else if du.MessageSize != size {
			errs = append(errs, fmt.Errorf("disk usage %d, messages sum to %d", du.MessageSize, size))
		}
		return nil
	})
	return errs, err
}
