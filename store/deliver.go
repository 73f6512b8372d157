package store

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mjl-/bstore"
)

// PrepareMessage parses a full message and returns a message ready for
// insertion with AppendMessage, and the attachments it references. Parsing is
// done outside of any transaction.
func PrepareMessage(raw []byte) (Message, []AttachmentData, error) {
	part, atts, err := ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return Message{}, nil, err
	}
	buf, err := MarshalPart(part)
	if err != nil {
		return Message{}, nil, err
	}
	sum := sha256.Sum256(raw)
	m := Message{
		Size:        int64(len(raw)),
		Magic:       int64(xxhash.Sum64(raw)),
		MessageHash: sum[:],
		ParsedBuf:   buf,
	}
	return m, atts, nil
}

// AppendPlan describes adding a new message to a mailbox.
type AppendPlan struct {
	MailboxID int64
	Now       time.Time
	Received  time.Time // If zero, Now is used.
	RemoteIP  string
	Origin    Origin
	Flags     Flags
	Keywords  []string
}

// AppendMessage inserts a message prepared with PrepareMessage into a mailbox,
// stores its attachments and references them. The mailbox modseq is
// incremented and stamped on the message. The inserted message is returned,
// along with the updated mailbox.
func (a *Account) AppendMessage(tx *bstore.Tx, plan AppendPlan, m Message, atts []AttachmentData) (Message, Mailbox, error) {
	mb, err := a.MailboxGet(tx, plan.MailboxID)
	if err != nil {
		return Message{}, Mailbox{}, fmt.Errorf("mailbox: %w", err)
	}

	seq := NewUIDSequencer(mb.UIDNext)
	uid, err := seq.Assign()
	if err != nil {
		return Message{}, Mailbox{}, err
	}
	mb.ModSeq++

	m.ID = 0
	m.UID = uid
	m.MailboxID = mb.ID
	m.ModSeq = mb.ModSeq
	m.CreateSeq = mb.ModSeq
	m.Received = plan.Received
	if m.Received.IsZero() {
		m.Received = plan.Now
	}
	m.Flags = plan.Flags
	m.Junk = mb.Junk
	m.Keywords = slices.Clone(plan.Keywords)
	slices.Sort(m.Keywords)
	m.Keywords = slices.Compact(m.Keywords)
	m.Retain, m.Expires = retentionExpiry(mb, plan.Now)
	m.RemoteIP = plan.RemoteIP
	m.Origin = plan.Origin
	if m.Origin == "" {
		m.Origin = OriginAppend
	}
	if err := tx.Insert(&m); err != nil {
		return Message{}, Mailbox{}, fmt.Errorf("inserting message: %w", err)
	}
	if len(atts) > 0 {
		if err := a.AddAttachments(tx, atts, m.Magic, plan.Now); err != nil {
			return Message{}, Mailbox{}, err
		}
	}

	mb.UIDNext = seq.Next()
	mb.Keywords = MergeKeywords(mb.Keywords, m.Keywords)
	if err := tx.Update(&mb); err != nil {
		return Message{}, Mailbox{}, fmt.Errorf("updating mailbox: %w", err)
	}
	if err := addDiskUsage(tx, m.Size); err != nil {
		return Message{}, Mailbox{}, err
	}
	return m, mb, nil
}
