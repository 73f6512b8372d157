package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/selfmail-"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any, msg string) {
	t.Helper()
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("%s: mismatch (-exp +got):\n%s", msg, diff)
	}
}

const testAttachment = "attachment data, the same for all test messages"

func testMessage(i int) []byte {
	return []byte(fmt.Sprintf("From: <mjl@selfmail.example>\r\nSubject: test %d\r\nMIME-Version: 1.0\r\nContent-Type: multipart/mixed; boundary=x\r\n\r\n--x\r\nContent-Type: text/plain\r\n\r\nhello %d\r\n--x\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment; filename=a.bin\r\n\r\n%s\r\n--x--\r\n", i, i, testAttachment))
}

func testAccount(t *testing.T) (*Account, func()) {
	t.Helper()
	os.RemoveAll("../testdata/store/data")
	selfmail.ConfigStaticPath = "../testdata/store/selfmail.conf"
	selfmail.MustLoadConfig()
	InitialUIDValidity = func() uint32 { return 1 }
	acc, err := OpenAccount(xlog, "mjl")
	tcheck(t, err, "open account")
	stop := Switchboard()
	return acc, func() {
		stop()
		err := acc.Close()
		tcheck(t, err, "closing account")
	}
}

func testMailbox(t *testing.T, acc *Account, name string) Mailbox {
	t.Helper()
	var mb Mailbox
	err := acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		var err error
		mb, _, err = acc.MailboxEnsure(tx, name)
		return err
	})
	tcheck(t, err, "ensure mailbox")
	return mb
}

func appendMessages(t *testing.T, acc *Account, mailboxID int64, n int, now time.Time) []Message {
	t.Helper()
	var l []Message
	err := acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		for i := 0; i < n; i++ {
			m, atts, err := PrepareMessage(testMessage(i))
			tcheck(t, err, "prepare message")
			nm, _, err := acc.AppendMessage(tx, AppendPlan{MailboxID: mailboxID, Now: now, Flags: Flags{Seen: true}, Keywords: []string{"$label1"}}, m, atts)
			tcheck(t, err, "append message")
			l = append(l, nm)
		}
		return nil
	})
	tcheck(t, err, "append messages")
	return l
}

func listMessages(t *testing.T, acc *Account, mailboxID int64) []Message {
	t.Helper()
	q := bstore.QueryDB[Message](ctxbg, acc.DB)
	q.FilterNonzero(Message{MailboxID: mailboxID})
	q.FilterEqual("Expunged", false)
	q.SortAsc("UID")
	l, err := q.List()
	tcheck(t, err, "list messages")
	return l
}

func attachmentRecord(t *testing.T, acc *Account, hash string) (Attachment, bool) {
	t.Helper()
	att := Attachment{Hash: hash}
	err := acc.DB.Get(ctxbg, &att)
	if err == bstore.ErrAbsent {
		return Attachment{}, false
	}
	tcheck(t, err, "get attachment")
	return att, true
}

func checkConsistency(t *testing.T, acc *Account) {
	t.Helper()
	errs, err := acc.CheckConsistency(ctxbg)
	tcheck(t, err, "check consistency")
	if len(errs) > 0 {
		t.Fatalf("consistency errors: %v", errs)
	}
}

// Source with UIDs 5, 7 and 9, destination with UIDNext 100.
func setupCopy(t *testing.T, acc *Account, destName string) (Mailbox, Mailbox, []Message) {
	t.Helper()
	src := testMailbox(t, acc, "Src")
	appendMessages(t, acc, src.ID, 9, time.Now())
	_, err := acc.ExpungeMessages(ctxbg, xlog, src.ID, []UID{1, 2, 3, 4, 6, 8})
	tcheck(t, err, "expunge")

	var dest Mailbox
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, destName)
		tcheck(t, err, "find dest")
		mb.UIDNext = 100
		dest = *mb
		src, err = acc.MailboxGet(tx, src.ID)
		tcheck(t, err, "get source")
		return tx.Update(mb)
	})
	tcheck(t, err, "update dest")

	rows := listMessages(t, acc, src.ID)
	if len(rows) != 3 || rows[0].UID != 5 || rows[1].UID != 7 || rows[2].UID != 9 {
		t.Fatalf("unexpected source rows %v", rows)
	}
	return src, dest, rows
}

func TestCopyBatch(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	src, dest, rows := setupCopy(t, acc, "Archive")
	part, err := rows[0].LoadPart()
	tcheck(t, err, "load part")
	hashes := part.AttachmentHashes()
	if len(hashes) != 1 {
		t.Fatalf("got hashes %v, expected 1", hashes)
	}
	att, ok := attachmentRecord(t, acc, hashes[0])
	if !ok || att.Counter != 3 {
		t.Fatalf("attachment before copy %v %v, expected counter 3", att, ok)
	}
	usage, err := acc.DiskUsage(ctxbg)
	tcheck(t, err, "disk usage")

	now := time.Now()
	var out CopyOutcome
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		out, err = acc.CopyBatch(tx, CopyPlan{SourceID: src.ID, DestID: dest.ID, Now: now, RemoteIP: "10.0.0.1", Origin: OriginCopy}, rows)
		return err
	})
	tcheck(t, err, "copy")

	tcompare(t, out.SourceUIDs, []UID{5, 7, 9}, "source uids")
	tcompare(t, out.DestUIDs, []UID{100, 101, 102}, "dest uids")
	tcompare(t, out.UIDNext, UID(103), "uidnext")
	tcompare(t, out.UIDValidity, dest.UIDValidity, "uidvalidity")

	copies := listMessages(t, acc, dest.ID)
	if len(copies) != 3 {
		t.Fatalf("got %d messages in destination, expected 3", len(copies))
	}
	var size int64
	for i, m := range copies {
		if m.UID != UID(100+i) || m.ModSeq != src.ModSeq || m.CreateSeq != src.ModSeq {
			t.Fatalf("copy %d: uid %d modseq %d createseq %d, source modseq %d", i, m.UID, m.ModSeq, m.CreateSeq, src.ModSeq)
		}
		if m.Origin != OriginCopy || m.RemoteIP != "10.0.0.1" || m.Copied || m.Junk || m.Retain {
			t.Fatalf("copy %d: unexpected fields %#v", i, m)
		}
		if !m.Seen || len(m.Keywords) != 1 || m.Magic != rows[i].Magic || m.Size != rows[i].Size {
			t.Fatalf("copy %d: not a copy of source %#v", i, m)
		}
		size += m.Size
	}
	tcompare(t, out.Size, size, "size")

	for _, m := range listMessages(t, acc, src.ID) {
		if !m.Copied {
			t.Fatalf("source message %d not marked copied", m.UID)
		}
	}

	var mb Mailbox
	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err = acc.MailboxGet(tx, dest.ID)
		return err
	})
	tcheck(t, err, "get dest")
	tcompare(t, mb.UIDNext, UID(103), "stored uidnext")
	tcompare(t, mb.Keywords, []string{"$label1"}, "dest keywords")

	// Referenced once per copied message.
	att, _ = attachmentRecord(t, acc, hashes[0])
	tcompare(t, att.Counter, int64(6), "attachment counter")

	nusage, err := acc.DiskUsage(ctxbg)
	tcheck(t, err, "disk usage")
	tcompare(t, nusage, usage+size, "disk usage after copy")

	checkConsistency(t, acc)
}

func TestCopyBatchRepeatedAttachment(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	src := testMailbox(t, acc, "Src")
	dest := testMailbox(t, acc, "Dest")

	// Two attachment parts with identical bytes.
	raw := []byte("From: <mjl@selfmail.example>\r\nSubject: twice\r\nMIME-Version: 1.0\r\nContent-Type: multipart/mixed; boundary=x\r\n\r\n--x\r\nContent-Type: text/plain\r\n\r\nhello\r\n--x\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment; filename=a.bin\r\n\r\n" + testAttachment + "\r\n--x\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment; filename=b.bin\r\n\r\n" + testAttachment + "\r\n--x--\r\n")
	m, atts, err := PrepareMessage(raw)
	tcheck(t, err, "prepare message")
	tcompare(t, len(atts), 1, "attachment data")

	now := time.Now()
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		m, _, err = acc.AppendMessage(tx, AppendPlan{MailboxID: src.ID, Now: now}, m, atts)
		return err
	})
	tcheck(t, err, "append")

	part, err := m.LoadPart()
	tcheck(t, err, "load part")
	hashes := part.AttachmentHashes()
	if len(hashes) != 1 {
		t.Fatalf("got hashes %v, expected 1", hashes)
	}
	att, ok := attachmentRecord(t, acc, hashes[0])
	if !ok || att.Counter != 1 {
		t.Fatalf("attachment after append %v %v, expected counter 1", att, ok)
	}

	for i := 2; i <= 3; i++ {
		err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
			_, err := acc.CopyBatch(tx, CopyPlan{SourceID: src.ID, DestID: dest.ID, Now: now, Origin: OriginCopy}, []Message{m})
			return err
		})
		tcheck(t, err, "copy")
		att, _ = attachmentRecord(t, acc, hashes[0])
		tcompare(t, att.Counter, int64(i), "attachment counter")
	}

	checkConsistency(t, acc)
}

func TestCopyBatchJunkRetention(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	src, junk, rows := setupCopy(t, acc, "Junk")
	now := time.Now()
	err := acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		_, err := acc.CopyBatch(tx, CopyPlan{SourceID: src.ID, DestID: junk.ID, Now: now, Origin: OriginCopy}, rows)
		return err
	})
	tcheck(t, err, "copy to junk")
	junkRows := listMessages(t, acc, junk.ID)
	for _, m := range junkRows {
		if !m.Junk {
			t.Fatalf("message in junk mailbox without junk flag")
		}
	}

	// Junk flag is cleared when copying out of the junk mailbox. Trash has retention.
	var trash Mailbox
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, "Trash")
		tcheck(t, err, "find trash")
		trash = *mb
		_, err = acc.CopyBatch(tx, CopyPlan{SourceID: junk.ID, DestID: trash.ID, Now: now, Origin: OriginCopy}, junkRows)
		return err
	})
	tcheck(t, err, "copy to trash")
	for _, m := range listMessages(t, acc, trash.ID) {
		if m.Junk {
			t.Fatalf("junk flag still set after copy out of junk")
		}
		if !m.Retain || !m.Expires.Equal(now.Add(720*time.Hour)) {
			t.Fatalf("retention not applied, retain %v expires %v", m.Retain, m.Expires)
		}
	}
	checkConsistency(t, acc)
}

func TestCopyBatchAtomic(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	src, dest, rows := setupCopy(t, acc, "Archive")
	part, err := rows[0].LoadPart()
	tcheck(t, err, "load part")
	hash := part.AttachmentHashes()[0]

	// A message already occupying UID 101 makes the second insert fail.
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		return tx.Insert(&Message{UID: 101, MailboxID: dest.ID, Received: time.Now()})
	})
	tcheck(t, err, "insert conflicting message")

	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		_, err := acc.CopyBatch(tx, CopyPlan{SourceID: src.ID, DestID: dest.ID, Now: time.Now(), Origin: OriginCopy}, rows)
		return err
	})
	if err == nil || !errors.Is(err, bstore.ErrUnique) {
		t.Fatalf("got err %v, expected unique constraint violation", err)
	}

	l := listMessages(t, acc, dest.ID)
	if len(l) != 1 || l[0].UID != 101 {
		t.Fatalf("destination changed by failed copy: %v", l)
	}
	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxGet(tx, dest.ID)
		tcompare(t, mb.UIDNext, UID(100), "uidnext after failed copy")
		return err
	})
	tcheck(t, err, "get dest")
	for _, m := range listMessages(t, acc, src.ID) {
		if m.Copied {
			t.Fatalf("source marked copied after failed copy")
		}
	}
	att, _ := attachmentRecord(t, acc, hash)
	tcompare(t, att.Counter, int64(3), "attachment counter after failed copy")
}

func TestCopyBatchEmpty(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	src := testMailbox(t, acc, "Src")
	var dest Mailbox
	var out CopyOutcome
	err := acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, "Archive")
		tcheck(t, err, "find")
		dest = *mb
		out, err = acc.CopyBatch(tx, CopyPlan{SourceID: src.ID, DestID: dest.ID, Now: time.Now()}, nil)
		return err
	})
	tcheck(t, err, "copy nothing")
	if len(out.DestUIDs) != 0 || out.UIDNext != dest.UIDNext {
		t.Fatalf("unexpected outcome for empty copy: %#v", out)
	}
}

func TestCopyBatchOrder(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	src, dest, rows := setupCopy(t, acc, "Archive")
	rows[0], rows[1] = rows[1], rows[0]
	err := acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		_, err := acc.CopyBatch(tx, CopyPlan{SourceID: src.ID, DestID: dest.ID, Now: time.Now()}, rows)
		return err
	})
	if err == nil {
		t.Fatalf("copy with unordered rows succeeded")
	}
}

func TestMoveBatch(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	src, dest, rows := setupCopy(t, acc, "Archive")
	part, err := rows[0].LoadPart()
	tcheck(t, err, "load part")
	hash := part.AttachmentHashes()[0]

	var out CopyOutcome
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		out, err = acc.MoveBatch(tx, CopyPlan{SourceID: src.ID, DestID: dest.ID, Now: time.Now(), Origin: OriginMove}, rows)
		return err
	})
	tcheck(t, err, "move")
	tcompare(t, out.DestUIDs, []UID{100, 101, 102}, "dest uids")
	tcompare(t, out.Source.ModSeq, src.ModSeq+1, "source modseq")
	if l := listMessages(t, acc, src.ID); len(l) != 0 {
		t.Fatalf("source still has %d messages", len(l))
	}
	l := listMessages(t, acc, dest.ID)
	for i, m := range l {
		if m.ID != rows[i].ID || m.Origin != OriginMove {
			t.Fatalf("moved message %d: got id %d origin %q", i, m.ID, m.Origin)
		}
	}
	att, _ := attachmentRecord(t, acc, hash)
	tcompare(t, att.Counter, int64(3), "attachment counter after move")
	checkConsistency(t, acc)
}

func TestExpire(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	var trash Mailbox
	err := acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, "Trash")
		trash = *mb
		return err
	})
	tcheck(t, err, "find trash")
	if trash.Retention == nil || *trash.Retention != 720*time.Hour {
		t.Fatalf("trash retention %v, expected 720h", trash.Retention)
	}

	past := time.Now().Add(-1000 * time.Hour)
	msgs := appendMessages(t, acc, trash.ID, 2, past)
	part, err := msgs[0].LoadPart()
	tcheck(t, err, "load part")
	hash := part.AttachmentHashes()[0]
	if _, err := os.Stat(acc.AttachmentPath(hash)); err != nil {
		t.Fatalf("attachment file: %v", err)
	}

	locker := FileLocker{Timeout: time.Second, Retry: 10 * time.Millisecond}
	n, err := acc.ExpireMessages(ctxbg, xlog, locker, time.Now())
	tcheck(t, err, "expire")
	tcompare(t, n, 2, "expired messages")
	if l := listMessages(t, acc, trash.ID); len(l) != 0 {
		t.Fatalf("%d messages left after expiry", len(l))
	}
	if _, ok := attachmentRecord(t, acc, hash); ok {
		t.Fatalf("attachment record still present")
	}
	if _, err := os.Stat(acc.AttachmentPath(hash)); !os.IsNotExist(err) {
		t.Fatalf("attachment file still present, err %v", err)
	}
	usage, err := acc.RecalculateDiskUsage(ctxbg)
	tcheck(t, err, "recalculate disk usage")
	tcompare(t, usage, int64(0), "disk usage")
	checkConsistency(t, acc)

	// Nothing more to expire.
	n, err = acc.ExpireMessages(ctxbg, xlog, locker, time.Now())
	tcheck(t, err, "expire again")
	tcompare(t, n, 0, "expired messages")
}

func TestExpungeMessages(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	inbox := testMailbox(t, acc, "Inbox")
	msgs := appendMessages(t, acc, inbox.ID, 3, time.Now())
	part, err := msgs[0].LoadPart()
	tcheck(t, err, "load part")
	hash := part.AttachmentHashes()[0]
	att, _ := attachmentRecord(t, acc, hash)
	tcompare(t, att.Counter, int64(3), "attachment counter")

	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		inbox, err = acc.MailboxGet(tx, inbox.ID)
		return err
	})
	tcheck(t, err, "get inbox")

	// Unknown UIDs are ignored.
	ch, err := acc.ExpungeMessages(ctxbg, xlog, inbox.ID, []UID{2, 9})
	tcheck(t, err, "expunge")
	tcompare(t, ch, ChangeRemoveUIDs{MailboxID: inbox.ID, UIDs: []UID{2}, ModSeq: inbox.ModSeq + 1}, "change")
	att, _ = attachmentRecord(t, acc, hash)
	tcompare(t, att.Counter, int64(2), "attachment counter after expunge")
	if _, err := os.Stat(acc.AttachmentPath(hash)); err != nil {
		t.Fatalf("attachment file: %v", err)
	}

	ch, err = acc.ExpungeMessages(ctxbg, xlog, inbox.ID, nil)
	tcheck(t, err, "expunge nothing")
	tcompare(t, len(ch.UIDs), 0, "expunged uids")

	ch, err = acc.ExpungeMessages(ctxbg, xlog, inbox.ID, []UID{1, 2, 3})
	tcheck(t, err, "expunge rest")
	tcompare(t, ch.UIDs, []UID{1, 3}, "expunged uids")
	tcompare(t, ch.ModSeq, inbox.ModSeq+2, "modseq")
	if _, ok := attachmentRecord(t, acc, hash); ok {
		t.Fatalf("attachment record still present")
	}
	if _, err := os.Stat(acc.AttachmentPath(hash)); !os.IsNotExist(err) {
		t.Fatalf("attachment file still present, err %v", err)
	}
	usage, err := acc.DiskUsage(ctxbg)
	tcheck(t, err, "disk usage")
	tcompare(t, usage, int64(0), "disk usage")
	checkConsistency(t, acc)

	_, err = acc.ExpungeMessages(ctxbg, xlog, 999, []UID{1})
	if !errors.Is(err, ErrUnknownMailbox) {
		t.Fatalf("got err %v, expected ErrUnknownMailbox", err)
	}
}

func TestFileLocker(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	locker := FileLocker{Timeout: 100 * time.Millisecond, Retry: 10 * time.Millisecond, MaxHold: time.Minute}
	l, err := locker.Acquire(ctxbg, acc)
	tcheck(t, err, "acquire")
	if !l.Success || l.Holder == "" || l.PID != os.Getpid() {
		t.Fatalf("unexpected lock %#v", l)
	}

	_, err = locker.Acquire(ctxbg, acc)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second acquire: got err %v, expected ErrLockTimeout", err)
	}

	err = locker.Release(acc, l)
	tcheck(t, err, "release")
	err = locker.Release(acc, l)
	tcheck(t, err, "release again")

	l, err = locker.Acquire(ctxbg, acc)
	tcheck(t, err, "acquire after release")
	err = locker.Release(acc, l)
	tcheck(t, err, "release")
}

func TestUIDSequencer(t *testing.T) {
	s := NewUIDSequencer(0)
	uid, err := s.Assign()
	tcheck(t, err, "assign")
	tcompare(t, uid, UID(1), "first uid")
	tcompare(t, s.Next(), UID(2), "next")

	s = NewUIDSequencer(math.MaxUint32 - 1)
	_, err = s.Assign()
	tcheck(t, err, "assign last")
	if _, err := s.Assign(); !errors.Is(err, ErrUIDSpaceExhaust) {
		t.Fatalf("got err %v, expected ErrUIDSpaceExhaust", err)
	}
}

func TestMailboxName(t *testing.T) {
	for _, name := range []string{"", "a//b", "INBOX", "inbox/x", "a\x01", "a*"} {
		if err := CheckMailboxName(name); !errors.Is(err, ErrMailboxName) {
			t.Fatalf("name %q: got err %v, expected ErrMailboxName", name, err)
		}
	}
	for _, name := range []string{"Inbox", "Inbox/sub", "Archive/2024", "Ünïcode"} {
		tcheck(t, CheckMailboxName(name), "valid name")
	}
}

func TestChanges(t *testing.T) {
	acc, cleanup := testAccount(t)
	defer cleanup()

	comm := RegisterComm(acc)
	defer comm.Unregister()

	mb := testMailbox(t, acc, "Src")
	appendMessages(t, acc, mb.ID, 2, time.Now())
	_, err := acc.ExpungeMessages(ctxbg, mlog.New("store"), mb.ID, []UID{1, 2, 3})
	tcheck(t, err, "expunge")

	select {
	case <-comm.Pending:
	case <-time.After(time.Second):
		t.Fatalf("no pending changes")
	}
	changes := comm.Get()
	if len(changes) != 1 {
		t.Fatalf("got %d changes, expected 1", len(changes))
	}
	ch, ok := changes[0].(ChangeRemoveUIDs)
	if !ok || ch.MailboxID != mb.ID {
		t.Fatalf("unexpected change %#v", changes[0])
	}
	tcompare(t, ch.UIDs, []UID{1, 2}, "removed uids")
}
