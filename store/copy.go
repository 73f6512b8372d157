package store

import (
	"fmt"
	"slices"
	"time"

	"github.com/mjl-/bstore"
)

// CopyPlan describes a copy or move of messages between two mailboxes of an
// account. Mailboxes are looked up again in the transaction, so UIDNext and
// ModSeq are current.
type CopyPlan struct {
	SourceID int64
	DestID   int64
	Now      time.Time
	RemoteIP string
	Origin   Origin
}

// CopyOutcome is the result of CopyBatch or MoveBatch. SourceUIDs and DestUIDs
// are parallel, in increasing order.
type CopyOutcome struct {
	UIDValidity uint32 // Of destination mailbox.
	SourceUIDs  []UID
	DestUIDs    []UID
	Messages    []Message // Messages in destination mailbox, same order as DestUIDs.
	Size        int64     // Sum of message sizes.
	UIDNext     UID       // New UIDNext of destination mailbox.
	Source      Mailbox   // Source mailbox as updated.
	Dest        Mailbox   // Destination mailbox as updated.
}

// destMessage returns a new message value for placing a copy of m in dest.
// Slices are cloned, m itself is not modified.
func destMessage(m Message, uid UID, source, dest Mailbox, modseq ModSeq, plan CopyPlan) Message {
	nm := m
	nm.ID = 0
	nm.UID = uid
	nm.MailboxID = dest.ID
	nm.ModSeq = modseq
	nm.CreateSeq = modseq
	nm.Expunged = false
	nm.Junk = dest.Junk
	nm.Retain, nm.Expires = retentionExpiry(dest, plan.Now)
	nm.RemoteIP = plan.RemoteIP
	nm.Origin = plan.Origin
	nm.Copied = false
	nm.Keywords = slices.Clone(m.Keywords)
	nm.MessageHash = slices.Clone(m.MessageHash)
	nm.ParsedBuf = slices.Clone(m.ParsedBuf)
	return nm
}

// checkBatch verifies rows are in the source mailbox, not expunged, and in
// strictly increasing UID order.
func checkBatch(source Mailbox, rows []Message) error {
	var prev UID
	for i, m := range rows {
		if m.MailboxID != source.ID {
			return fmt.Errorf("message %d not in source mailbox %d", m.ID, source.ID)
		}
		if m.Expunged {
			return fmt.Errorf("message %d is expunged", m.ID)
		}
		if i > 0 && m.UID <= prev {
			return fmt.Errorf("source messages not in increasing uid order (%d after %d)", m.UID, prev)
		}
		prev = m.UID
	}
	return nil
}

// CopyBatch copies messages from a source to a destination mailbox within tx.
// Rows must be the source messages sorted by increasing UID. Each copy is
// inserted as a new message with the next UID of the destination mailbox,
// stamped with the source mailbox modseq, with the junk flag set according to
// the destination, expiry according to destination retention, and its
// attachments referenced once more. Afterwards all source messages are marked
// copied, and the destination UIDNext is updated once.
//
// Any error leaves the transaction in an unusable state, the caller must abort
// it. With zero rows, nothing is changed.
func (a *Account) CopyBatch(tx *bstore.Tx, plan CopyPlan, rows []Message) (CopyOutcome, error) {
	source, err := a.MailboxGet(tx, plan.SourceID)
	if err != nil {
		return CopyOutcome{}, fmt.Errorf("source mailbox: %w", err)
	}
	dest, err := a.MailboxGet(tx, plan.DestID)
	if err != nil {
		return CopyOutcome{}, fmt.Errorf("destination mailbox: %w", err)
	}
	out := CopyOutcome{UIDValidity: dest.UIDValidity, UIDNext: dest.UIDNext, Source: source, Dest: dest}
	if len(rows) == 0 {
		return out, nil
	}
	if err := checkBatch(source, rows); err != nil {
		return CopyOutcome{}, err
	}

	seq := NewUIDSequencer(dest.UIDNext)
	sourceIDs := make([]int64, 0, len(rows))
	keywords := dest.Keywords
	for _, m := range rows {
		uid, err := seq.Assign()
		if err != nil {
			return CopyOutcome{}, err
		}
		nm := destMessage(m, uid, source, dest, source.ModSeq, plan)
		if err := tx.Insert(&nm); err != nil {
			return CopyOutcome{}, fmt.Errorf("inserting copy of message %d: %w", m.ID, err)
		}

		part, err := m.LoadPart()
		if err != nil {
			return CopyOutcome{}, fmt.Errorf("message %d: %w", m.ID, err)
		}
		if hashes := part.AttachmentHashes(); len(hashes) > 0 {
			if err := IncrementReferences(tx, hashes, nm.Magic, plan.Now); err != nil {
				return CopyOutcome{}, fmt.Errorf("message %d: %w", m.ID, err)
			}
		}

		keywords = MergeKeywords(keywords, nm.Keywords)
		sourceIDs = append(sourceIDs, m.ID)
		out.SourceUIDs = append(out.SourceUIDs, m.UID)
		out.DestUIDs = append(out.DestUIDs, nm.UID)
		out.Messages = append(out.Messages, nm)
		out.Size += nm.Size
	}

	if _, err := bstore.QueryTx[Message](tx).FilterIDs(sourceIDs).UpdateNonzero(Message{Copied: true}); err != nil {
		return CopyOutcome{}, fmt.Errorf("marking source messages copied: %w", err)
	}
	if err := addDiskUsage(tx, out.Size); err != nil {
		return CopyOutcome{}, err
	}

	dest.UIDNext = seq.Next()
	dest.Keywords = keywords
	if err := tx.Update(&dest); err != nil {
		return CopyOutcome{}, fmt.Errorf("updating destination mailbox: %w", err)
	}
	out.UIDNext = dest.UIDNext
	out.Dest = dest
	return out, nil
}

// MoveBatch moves messages from a source to a destination mailbox within tx.
// Like CopyBatch, but the messages themselves are given a new mailbox and UID,
// so attachment references don't change. The source mailbox modseq is
// incremented for the removal, and stamped on the moved messages.
func (a *Account) MoveBatch(tx *bstore.Tx, plan CopyPlan, rows []Message) (CopyOutcome, error) {
	source, err := a.MailboxGet(tx, plan.SourceID)
	if err != nil {
		return CopyOutcome{}, fmt.Errorf("source mailbox: %w", err)
	}
	dest, err := a.MailboxGet(tx, plan.DestID)
	if err != nil {
		return CopyOutcome{}, fmt.Errorf("destination mailbox: %w", err)
	}
	out := CopyOutcome{UIDValidity: dest.UIDValidity, UIDNext: dest.UIDNext, Source: source, Dest: dest}
	if len(rows) == 0 {
		return out, nil
	}
	if source.ID == dest.ID {
		return CopyOutcome{}, fmt.Errorf("cannot move messages to their own mailbox")
	}
	if err := checkBatch(source, rows); err != nil {
		return CopyOutcome{}, err
	}

	source.ModSeq++
	seq := NewUIDSequencer(dest.UIDNext)
	keywords := dest.Keywords
	for _, m := range rows {
		uid, err := seq.Assign()
		if err != nil {
			return CopyOutcome{}, err
		}
		nm := destMessage(m, uid, source, dest, source.ModSeq, plan)
		nm.ID = m.ID
		nm.Copied = m.Copied
		if err := tx.Update(&nm); err != nil {
			return CopyOutcome{}, fmt.Errorf("moving message %d: %w", m.ID, err)
		}
		keywords = MergeKeywords(keywords, nm.Keywords)
		out.SourceUIDs = append(out.SourceUIDs, m.UID)
		out.DestUIDs = append(out.DestUIDs, nm.UID)
		out.Messages = append(out.Messages, nm)
		out.Size += nm.Size
	}

	if err := tx.Update(&source); err != nil {
		return CopyOutcome{}, fmt.Errorf("updating source mailbox: %w", err)
	}
	dest.UIDNext = seq.Next()
	dest.Keywords = keywords
	if err := tx.Update(&dest); err != nil {
		return CopyOutcome{}, fmt.Errorf("updating destination mailbox: %w", err)
	}
	out.UIDNext = dest.UIDNext
	out.Source = source
	out.Dest = dest
	return out, nil
}

// MergeKeywords adds keywords from add to l, returning a new sorted list
// without duplicates. l is not modified.
func MergeKeywords(l, add []string) []string {
	if len(add) == 0 {
		return l
	}
	nl := append(slices.Clone(l), add...)
	slices.Sort(nl)
	return slices.Compact(nl)
}
