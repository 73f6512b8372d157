package mutate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/alert"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/notify"
	"github.com/mjl-/selfmail/quota"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/store"
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

func tcode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	var merr *Error
	if !errors.As(err, &merr) || merr.Code != code {
		t.Fatalf("got err %v, expected code %s", err, code)
	}
	return merr
}

var testMessage = []byte("From: <mjl@selfmail.example>\r\nSubject: test\r\nMIME-Version: 1.0\r\nContent-Type: multipart/mixed; boundary=x\r\n\r\n--x\r\nContent-Type: text/plain\r\n\r\nhello\r\n--x\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment; filename=a.bin\r\n\r\nattachment data\r\n--x--\r\n")

// countLocker counts acquires and releases of a file lock, and can fail
// releases.
type countLocker struct {
	store.FileLocker
	acquired    atomic.Int32
	released    atomic.Int32
	failRelease bool
}

func (l *countLocker) Acquire(ctx context.Context, acc *store.Account) (*store.Lock, error) {
	lk, err := l.FileLocker.Acquire(ctx, acc)
	if err == nil {
		l.acquired.Add(1)
	}
	return lk, err
}

func (l *countLocker) Release(acc *store.Account, lk *store.Lock) error {
	l.released.Add(1)
	err := l.FileLocker.Release(acc, lk)
	if err == nil && l.failRelease {
		err = errors.New("release failed")
	}
	return err
}

func (l *countLocker) check(t *testing.T, acquired, released int32) {
	t.Helper()
	if a, r := l.acquired.Load(), l.released.Load(); a != acquired || r != released {
		t.Fatalf("lock acquired %d released %d, expected %d and %d", a, r, acquired, released)
	}
}

// recordPublisher records published entries before broadcasting them.
type recordPublisher struct {
	notify.Notifier
	sync.Mutex
	published [][]notify.Entry
}

func (p *recordPublisher) Publish(ctx context.Context, acc *store.Account, entries []notify.Entry) {
	p.Lock()
	p.published = append(p.published, entries)
	p.Unlock()
	p.Notifier.Publish(ctx, acc, entries)
}

func (p *recordPublisher) calls() [][]notify.Entry {
	p.Lock()
	defer p.Unlock()
	return p.published
}

type testEnv struct {
	engine    *Engine
	locker    *countLocker
	quota     *quota.Accountant
	publisher *recordPublisher
	alerts    *bytes.Buffer
}

func newTestEnv(t *testing.T) (*testEnv, func()) {
	t.Helper()
	os.RemoveAll("../testdata/mutate/data")
	selfmail.ConfigStaticPath = "../testdata/mutate/selfmail.conf"
	selfmail.MustLoadConfig()

	var buf bytes.Buffer
	prev := mlog.SetOutput(&buf)

	q, err := quota.Open(ctxbg, "")
	tcheck(t, err, "open quota")
	locker := &countLocker{FileLocker: store.FileLocker{Timeout: 200 * time.Millisecond, Retry: 10 * time.Millisecond}}
	pub := &recordPublisher{}
	e := NewEngine(locker, q, pub, alert.New(mlog.New("alert"), time.Hour, 10))
	stop := store.Switchboard()
	env := &testEnv{e, locker, q, pub, &buf}
	return env, func() {
		e.Wait()
		stop()
		mlog.SetOutput(prev)
		err := q.Close()
		tcheck(t, err, "close quota")
	}
}

func openAccount(t *testing.T, name string) *store.Account {
	t.Helper()
	acc, err := store.OpenAccount(xlog, name)
	tcheck(t, err, "open account")
	t.Cleanup(func() {
		err := acc.Close()
		tcheck(t, err, "close account")
	})
	return acc
}

// setupSource creates mailbox "Src" with UIDs 5, 7 and 9, and gives the
// destination mailbox UIDNext 100.
func setupSource(t *testing.T, acc *store.Account, destName string) (store.Mailbox, store.Mailbox) {
	t.Helper()
	var src, dest store.Mailbox
	err := acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		var err error
		src, _, err = acc.MailboxEnsure(tx, "Src")
		tcheck(t, err, "ensure source")
		for i := 0; i < 9; i++ {
			m, atts, err := store.PrepareMessage(testMessage)
			tcheck(t, err, "prepare message")
			_, _, err = acc.AppendMessage(tx, store.AppendPlan{MailboxID: src.ID, Now: time.Now(), Flags: store.Flags{Seen: true}}, m, atts)
			tcheck(t, err, "append message")
		}
		mb, err := acc.MailboxFind(tx, destName)
		tcheck(t, err, "find destination")
		mb.UIDNext = 100
		dest = *mb
		return tx.Update(mb)
	})
	tcheck(t, err, "setup source")
	_, err = acc.ExpungeMessages(ctxbg, xlog, src.ID, []store.UID{1, 2, 3, 4, 6, 8})
	tcheck(t, err, "expunge")
	return src, dest
}

func listMessages(t *testing.T, acc *store.Account, mailboxID int64) []store.Message {
	t.Helper()
	q := bstore.QueryDB[store.Message](ctxbg, acc.DB)
	q.FilterNonzero(store.Message{MailboxID: mailboxID})
	q.FilterEqual("Expunged", false)
	q.SortAsc("UID")
	l, err := q.List()
	tcheck(t, err, "list messages")
	return l
}

func TestCopy(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")
	src, dest := setupSource(t, acc, "Archive")

	comm := store.RegisterComm(acc)
	defer comm.Unregister()

	req := CopyRequest{
		Session:     Session{Account: "mjl", RemoteIP: "10.0.0.1"},
		Account:     acc,
		MailboxID:   src.ID,
		Destination: "Archive",
		UIDs:        []UIDRange{{5, 5}, {7, 9}},
	}
	res, err := env.engine.Copy(ctxbg, req)
	tcheck(t, err, "copy")
	tcompare(t, res.SourceUIDs, []store.UID{5, 7, 9}, "source uids")
	tcompare(t, res.DestUIDs, []store.UID{100, 101, 102}, "dest uids")
	tcompare(t, res.UIDValidity, dest.UIDValidity, "uidvalidity")
	tcompare(t, res.Count, 3, "count")
	tcompare(t, res.Size, int64(3*len(testMessage)), "size")
	env.locker.check(t, 1, 1)

	copies := listMessages(t, acc, dest.ID)
	if len(copies) != 3 || copies[0].RemoteIP != "10.0.0.1" || copies[0].Origin != store.OriginCopy {
		t.Fatalf("unexpected copies %v", copies)
	}

	calls := env.publisher.calls()
	if len(calls) != 1 || len(calls[0]) != 3 {
		t.Fatalf("published %v, expected one call with 3 entries", calls)
	}
	select {
	case <-comm.Pending:
	case <-time.After(5 * time.Second):
		t.Fatalf("no changes broadcast")
	}
	var uids []store.UID
	for _, ch := range comm.Get() {
		uids = append(uids, ch.(store.ChangeAddUID).UID)
	}
	tcompare(t, uids, []store.UID{100, 101, 102}, "broadcast uids")

	env.engine.Wait()
	u, err := env.quota.Usage(ctxbg, "mjl")
	tcheck(t, err, "usage")
	size, err := acc.DiskUsage(ctxbg)
	tcheck(t, err, "disk usage")
	tcompare(t, u.MessageSize, size, "refreshed usage")
	tcompare(t, u.Domain, "selfmail.example", "usage domain")

	// Copying all messages of the source, with an open-ended range.
	req.UIDs = []UIDRange{{First: 6}}
	res, err = env.engine.Copy(ctxbg, req)
	tcheck(t, err, "copy again")
	tcompare(t, res.DestUIDs, []store.UID{103, 104}, "dest uids of second copy")
	env.locker.check(t, 2, 2)
}

func TestCopyJunk(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")
	src, dest := setupSource(t, acc, "Junk")

	_, err := env.engine.Copy(ctxbg, CopyRequest{Session: Session{Account: "mjl"}, Account: acc, MailboxID: src.ID, Destination: "Junk"})
	tcheck(t, err, "copy")
	for _, m := range listMessages(t, acc, dest.ID) {
		if !m.Junk || !m.Seen {
			t.Fatalf("copy %d: junk %v seen %v, expected both set", m.UID, m.Junk, m.Seen)
		}
	}
}

func TestCopyEmpty(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")
	src, _ := setupSource(t, acc, "Archive")

	res, err := env.engine.Copy(ctxbg, CopyRequest{Session: Session{Account: "mjl"}, Account: acc, MailboxID: src.ID, Destination: "Archive", UIDs: []UIDRange{{200, 300}}})
	tcheck(t, err, "copy")
	tcompare(t, res.Count, 0, "count")
	if len(res.DestUIDs) != 0 {
		t.Fatalf("got dest uids %v", res.DestUIDs)
	}
	if calls := env.publisher.calls(); len(calls) != 0 {
		t.Fatalf("published %v for empty copy", calls)
	}
	env.locker.check(t, 1, 1)
}

func TestCopyErrors(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")
	src, _ := setupSource(t, acc, "Archive")

	s := Session{Account: "mjl"}
	_, err := env.engine.Copy(ctxbg, CopyRequest{Session: s, Account: acc, MailboxID: 999, Destination: "Archive"})
	tcode(t, err, CodeNonExistent)

	_, err = env.engine.Copy(ctxbg, CopyRequest{Session: s, Account: acc, MailboxID: src.ID, Destination: "Nope"})
	merr := tcode(t, err, CodeTryCreate)
	tcompare(t, merr.Message, textTryCreate, "message")

	_, err = env.engine.Move(ctxbg, CopyRequest{Session: s, Account: acc, MailboxID: src.ID, Destination: "Src"})
	tcode(t, err, CodeCannot)

	_, err = env.engine.Copy(ctxbg, CopyRequest{Session: Session{Account: "other"}, Account: acc, MailboxID: src.ID, Destination: "Archive"})
	tcode(t, err, CodeAuthorizationFailed)

	_, err = env.engine.Copy(ctxbg, CopyRequest{Session: Session{Account: "mjl", Domain: "other.example"}, Account: acc, MailboxID: src.ID, Destination: "Archive"})
	tcode(t, err, CodeAuthorizationFailed)

	_, err = env.engine.Copy(ctxbg, CopyRequest{Session: Session{Account: "nobody"}, MailboxID: src.ID, Destination: "Archive"})
	tcode(t, err, CodeAuthorizationFailed)

	env.engine.MaxBatch = 2
	_, err = env.engine.Copy(ctxbg, CopyRequest{Session: s, Account: acc, MailboxID: src.ID, Destination: "Archive"})
	merr = tcode(t, err, CodeLimit)
	tcompare(t, merr.Message, "too many messages, at most 2 per operation", "limit message")

	// Nothing was locked or written.
	env.locker.check(t, 0, 0)
	if l := listMessages(t, acc, src.ID); len(l) != 3 || l[0].Copied {
		t.Fatalf("source changed: %v", l)
	}
	if calls := env.publisher.calls(); len(calls) != 0 {
		t.Fatalf("published %v after failures", calls)
	}
}

func TestCopyAtomic(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")
	src, dest := setupSource(t, acc, "Archive")

	// Occupies the UID the second copy would get.
	err := acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		return tx.Insert(&store.Message{UID: 101, MailboxID: dest.ID, Received: time.Now()})
	})
	tcheck(t, err, "insert conflicting message")

	_, err = env.engine.Copy(ctxbg, CopyRequest{Session: Session{Account: "mjl"}, Account: acc, MailboxID: src.ID, Destination: "Archive"})
	tcode(t, err, CodeServerBug)
	env.locker.check(t, 1, 1)

	if l := listMessages(t, acc, dest.ID); len(l) != 1 || l[0].UID != 101 {
		t.Fatalf("destination changed by failed copy: %v", l)
	}
	for _, m := range listMessages(t, acc, src.ID) {
		if m.Copied {
			t.Fatalf("source %d marked copied after failed copy", m.UID)
		}
	}
	if calls := env.publisher.calls(); len(calls) != 0 {
		t.Fatalf("published %v after failed copy", calls)
	}
}

func TestCopyQuota(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "other")
	src, dest := setupSource(t, acc, "Archive")

	setUsage := func(size int64) {
		t.Helper()
		err := env.quota.DB.Write(ctxbg, func(tx *bstore.Tx) error {
			u := quota.AccountUsage{Account: "other"}
			err := tx.Get(&u)
			u.Domain = "selfmail.example"
			u.MessageSize = size
			u.Updated = time.Now()
			if err == bstore.ErrAbsent {
				return tx.Insert(&u)
			} else if err != nil {
				return err
			}
			return tx.Update(&u)
		})
		tcheck(t, err, "set usage")
	}

	// Already over quota, rejected before locking.
	setUsage(1001)
	req := CopyRequest{Session: Session{Account: "other"}, Account: acc, MailboxID: src.ID, Destination: "Archive"}
	_, err := env.engine.Copy(ctxbg, req)
	merr := tcode(t, err, CodeOverQuota)
	tcompare(t, merr.Message, "Konto hat das Speicherlimit überschritten", "localized message")
	env.locker.check(t, 0, 0)

	// Session locale takes precedence over account config.
	req.Session.Locale = "en-US"
	_, err = env.engine.Copy(ctxbg, req)
	merr = tcode(t, err, CodeOverQuota)
	tcompare(t, merr.Message, textOverQuota, "english message")
	req.Session.Locale = ""

	// Under quota before, over quota after. The copy succeeds, with an alert.
	setUsage(900)
	res, err := env.engine.Copy(ctxbg, req)
	tcheck(t, err, "copy")
	tcompare(t, res.Count, 3, "count")
	env.engine.Wait()
	env.locker.check(t, 1, 1)
	if !strings.Contains(env.alerts.String(), "account over quota after copy") {
		t.Fatalf("no over quota alert logged:\n%s", env.alerts.String())
	}
	if l := listMessages(t, acc, dest.ID); len(l) != 3 {
		t.Fatalf("got %d copies, expected 3", len(l))
	}

	// Usage was refreshed from the account.
	u, err := env.quota.Usage(ctxbg, "other")
	tcheck(t, err, "usage")
	tcompare(t, u.MessageSize, int64(6*len(testMessage)), "refreshed usage")
}

func TestMove(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")
	src, dest := setupSource(t, acc, "Trash")

	before := time.Now()
	res, err := env.engine.Move(ctxbg, CopyRequest{Session: Session{Account: "mjl"}, Account: acc, MailboxID: src.ID, Destination: "Trash"})
	tcheck(t, err, "move")
	tcompare(t, res.SourceUIDs, []store.UID{5, 7, 9}, "source uids")
	tcompare(t, res.DestUIDs, []store.UID{100, 101, 102}, "dest uids")
	env.locker.check(t, 1, 1)

	if l := listMessages(t, acc, src.ID); len(l) != 0 {
		t.Fatalf("source still has messages after move: %v", l)
	}
	for _, m := range listMessages(t, acc, dest.ID) {
		if !m.Retain || m.Expires.Before(before.Add(720*time.Hour)) || m.Origin != store.OriginMove {
			t.Fatalf("moved message %d: retain %v expires %v origin %s", m.UID, m.Retain, m.Expires, m.Origin)
		}
	}

	calls := env.publisher.calls()
	if len(calls) != 1 || len(calls[0]) != 4 {
		t.Fatalf("published %v, expected 3 exists and 1 expunge", calls)
	}
	exp := calls[0][3]
	tcompare(t, exp.Command, notify.CommandExpunge, "command")
	tcompare(t, exp.MailboxID, src.ID, "expunge mailbox")
	tcompare(t, exp.UIDs, []store.UID{5, 7, 9}, "expunged uids")
}

func TestAppend(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")

	s := Session{Account: "mjl"}
	res, err := env.engine.Append(ctxbg, AppendRequest{Session: s, Account: acc, Mailbox: "Inbox", Message: testMessage, Flags: store.Flags{Flagged: true}, Keywords: []string{"$label2", "$label1"}})
	tcheck(t, err, "append")
	tcompare(t, res.UID, store.UID(1), "uid")
	tcompare(t, res.Size, int64(len(testMessage)), "size")
	env.locker.check(t, 1, 1)

	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, "Inbox")
		tcheck(t, err, "find inbox")
		tcompare(t, res.UIDValidity, mb.UIDValidity, "uidvalidity")
		l := listMessages(t, acc, mb.ID)
		if len(l) != 1 || !l[0].Flagged || l[0].Origin != store.OriginAppend {
			t.Fatalf("unexpected messages %v", l)
		}
		tcompare(t, l[0].Keywords, []string{"$label1", "$label2"}, "keywords")
		return nil
	})
	tcheck(t, err, "read")

	_, err = env.engine.Append(ctxbg, AppendRequest{Session: s, Account: acc, Mailbox: "Nope", Message: testMessage})
	tcode(t, err, CodeTryCreate)

	_, err = env.engine.Append(ctxbg, AppendRequest{Session: s, Account: acc, Mailbox: "Inbox", Message: []byte("no header separator here\r\n\r\nbody\r\n")})
	tcode(t, err, CodeParse)
	env.locker.check(t, 1, 1)

	// Account opened by the engine.
	res, err = env.engine.Append(ctxbg, AppendRequest{Session: s, Mailbox: "Inbox", Message: testMessage})
	tcheck(t, err, "append without open account")
	tcompare(t, res.UID, store.UID(2), "uid")

	env.engine.Wait()
	u, err := env.quota.Usage(ctxbg, "mjl")
	tcheck(t, err, "usage")
	tcompare(t, u.MessageSize, int64(2*len(testMessage)), "usage after append")
}

func TestLockFailures(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	acc := openAccount(t, "mjl")
	src, _ := setupSource(t, acc, "Archive")
	req := CopyRequest{Session: Session{Account: "mjl"}, Account: acc, MailboxID: src.ID, Destination: "Archive", UIDs: []UIDRange{{5, 5}}}

	// A failing release does not fail the operation.
	env.locker.failRelease = true
	_, err := env.engine.Copy(ctxbg, req)
	tcheck(t, err, "copy with failing release")
	env.locker.check(t, 1, 1)
	env.engine.Wait()
	if !strings.Contains(env.alerts.String(), "releasing account lock") {
		t.Fatalf("no alert for failed release:\n%s", env.alerts.String())
	}
	env.locker.failRelease = false

	// Lock held elsewhere.
	other := store.FileLocker{Timeout: time.Second}
	lk, err := other.Acquire(ctxbg, acc)
	tcheck(t, err, "acquire lock")
	_, err = env.engine.Copy(ctxbg, req)
	merr := tcode(t, err, CodeUnavailable)
	if !merr.Temporary() || !errors.Is(err, store.ErrLockTimeout) {
		t.Fatalf("lock timeout not temporary: %v", err)
	}
	err = other.Release(acc, lk)
	tcheck(t, err, "release")
	env.locker.check(t, 1, 1)

	_, err = env.engine.Copy(ctxbg, req)
	tcheck(t, err, "copy after release")
	env.locker.check(t, 2, 2)
}

// slowDispatcher is not authoritative for any account, and takes its time.
type slowDispatcher struct {
	delay time.Duration
}

func (d slowDispatcher) Authoritative(account string) bool { return false }
func (d slowDispatcher) PingInterval() time.Duration        { return 10 * time.Millisecond }

func (d slowDispatcher) Copy(ctx context.Context, req CopyRequest) (CopyResult, error) {
	time.Sleep(d.delay)
	return CopyResult{Count: 1, SourceUIDs: []store.UID{1}, DestUIDs: []store.UID{2}}, nil
}

func (d slowDispatcher) Move(ctx context.Context, req CopyRequest) (CopyResult, error) {
	time.Sleep(d.delay)
	return CopyResult{}, &Error{Code: CodeTryCreate, Message: "remote"}
}

func (d slowDispatcher) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	time.Sleep(d.delay)
	return AppendResult{UID: 3}, nil
}

func TestDispatch(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	env.engine.Dispatch = slowDispatcher{100 * time.Millisecond}

	var mu sync.Mutex
	var notices []string
	progress := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		notices = append(notices, s)
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(notices)
	}

	res, err := env.engine.Copy(ctxbg, CopyRequest{Session: Session{Account: "other"}, Destination: "Archive", Progress: progress})
	tcheck(t, err, "dispatched copy")
	tcompare(t, res.DestUIDs, []store.UID{2}, "dest uids")
	n := count()
	if n == 0 {
		t.Fatalf("no progress notices")
	}
	mu.Lock()
	tcompare(t, notices[0], "Vorgang läuft noch", "localized notice")
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	if count() != n {
		t.Fatalf("progress notices continued after completion")
	}

	_, err = env.engine.Move(ctxbg, CopyRequest{Session: Session{Account: "mjl"}, Destination: "Nope"})
	tcode(t, err, CodeTryCreate)

	ares, err := env.engine.Append(ctxbg, AppendRequest{Session: Session{Account: "mjl"}, Mailbox: "Inbox", Message: testMessage})
	tcheck(t, err, "dispatched append")
	tcompare(t, ares.UID, store.UID(3), "uid")

	env.locker.check(t, 0, 0)
}
