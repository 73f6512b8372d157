/*
Package store implements storage for accounts, their mailboxes and messages,
the attachments referenced by those messages, and broadcasts changes (e.g. a
copy into a mailbox) to interested sessions.

Layout of storage for accounts:

	<DataDir>/accounts/<name>/index.db
	<DataDir>/accounts/<name>/index.db.lock
	<DataDir>/accounts/<name>/attachments/<xx>/<sha256>

Index.db holds tables for mailboxes, messages and attachment reference counts.
Message structure is stored with each message. Attachment bytes are stored once
per account, in a file named after the hash of their contents, and shared by
all messages referencing them. The lock file is used to serialize mutations
between processes that open the same account.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/config"
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/selfmail-"
)

var xlog = mlog.New("store")

var (
	ErrUnknownMailbox  = errors.New("no such mailbox")
	ErrAccountUnknown  = errors.New("no such account")
	ErrAccountBusy     = errors.New("account database busy")
	ErrMailboxName     = errors.New("invalid mailbox name")
	ErrUIDSpaceExhaust = errors.New("mailbox uid space exhausted")
)

// InitialMailboxes are created for new accounts when the config does not
// specify initial mailboxes.
var InitialMailboxes = config.InitialMailboxes{
	SpecialUse: config.SpecialUseMailboxes{
		Sent:    "Sent",
		Archive: "Archive",
		Trash:   "Trash",
		Draft:   "Drafts",
		Junk:    "Junk",
	},
}

// UID is an IMAP UID, unique and increasing within a mailbox.
type UID uint32

// ModSeq is a modification sequence of a mailbox. It is incremented on changes
// to the set of messages in the mailbox, and stamped on messages.
type ModSeq int64

// NextUIDValidity is a singleton record in the database with the next UIDValidity
// to use for the next mailbox.
type NextUIDValidity struct {
	ID   int // Just a single record with ID 1.
	Next uint32
}

// SpecialUse identifies the purpose of a mailbox. Used by IMAP clients, and by
// the server for the Junk mailbox, where placed messages get the junk flag.
type SpecialUse struct {
	Archive bool
	Draft   bool
	Junk    bool
	Sent    bool
	Trash   bool
}

// Mailbox is collection of messages, e.g. Inbox or Sent.
type Mailbox struct {
	ID int64

	// "Inbox" is the name for the special IMAP "INBOX". Slash separated
	// for hierarchy.
	Name string `bstore:"nonzero,unique"`

	// If UIDs are invalidated, e.g. when renaming a mailbox to a previously existing
	// name, UIDValidity must be changed. Used by IMAP for synchronization.
	UIDValidity uint32

	// UID to assign to the next message. Never reused, always higher than any UID
	// in the mailbox.
	UIDNext UID

	// Modification sequence, incremented on structural change of the mailbox.
	ModSeq ModSeq

	// Retention for messages placed in this mailbox. Nil means no retention is
	// configured, zero means messages don't expire. Only a positive duration sets
	// an expiry time on messages.
	Retention *time.Duration

	SpecialUse

	// Keywords as used in messages. Only "atoms", stored in lower case.
	Keywords []string
}

// Flags for a mail message.
type Flags struct {
	Seen      bool
	Answered  bool
	Flagged   bool
	Forwarded bool
	Junk      bool
	Notjunk   bool
	Deleted   bool
	Draft     bool
}

// Origin is the operation that created a message row.
type Origin string

const (
	OriginDeliver Origin = "deliver"
	OriginAppend  Origin = "append"
	OriginCopy    Origin = "copy"
	OriginMove    Origin = "move"
)

// Message stored in an account. The structure of the message, with references
// to attachments, is in ParsedBuf.
type Message struct {
	// ID, unchanged over lifetime. Assigned on insert.
	ID int64

	UID       UID   `bstore:"nonzero"`
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,index MailboxID+Received,ref Mailbox"`

	// ModSeq is the mailbox modseq of the last change. CreateSeq is the modseq at
	// the time the message was created in its mailbox. Expunged messages are
	// kept until cleaned up, with ModSeq set to the modseq of the removal.
	ModSeq    ModSeq `bstore:"index"`
	CreateSeq ModSeq
	Expunged  bool

	Received time.Time `bstore:"default now,index"`

	Size int64 // Size of the full message in bytes.

	Flags
	Keywords []string // Non-system flags, lower case.

	// Retain is set when the mailbox had a positive retention when the message was
	// placed in it. Expires is the time the message is removed.
	Retain  bool
	Expires time.Time `bstore:"index"`

	RemoteIP string // Address of the peer that caused the last mutation.
	Origin   Origin // Operation that created this row.
	Copied   bool   // Set on a source message once it has been copied.

	Magic       int64  // Checksum contribution of this message, added to referenced attachments.
	MessageHash []byte // SHA-256 of the full message.

	// Part structure, JSON encoded.
	ParsedBuf []byte
}

// LoadPart returns the parsed message structure.
func (m Message) LoadPart() (Part, error) {
	return ParsePartBuf(m.ParsedBuf)
}

// DBTypes are the types stored in an account index.db.
var DBTypes = []any{NextUIDValidity{}, Mailbox{}, Message{}, Attachment{}, DiskUsage{}}

// Account holds the information about a user, includings mailboxes, messages
// and attachments.
type Account struct {
	Name   string     // Name, according to configuration.
	Dir    string     // Directory where account files are stored.
	DBPath string     // Path to database with mailboxes, messages, etc.
	DB     *bstore.DB // Open database connection.

	// Write lock must be held for mailbox modifications including mutations of
	// messages. Changes are published after the transaction is committed and
	// the lock released, changes carry modseqs for ordering.
	sync.RWMutex

	nused int // Reference count, while >0, this account is alive and shared.
}

// InitialUIDValidity returns a UIDValidity used for initializing an account.
// It can be replaced during tests with a predictable value.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // A 2-second resolution will get us far enough beyond 2038.
}

var openAccounts = struct {
	names map[string]*Account
	sync.Mutex
}{
	names: map[string]*Account{},
}

func closeAccount(acc *Account) (rerr error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	acc.nused--
	if acc.nused == 0 {
		rerr = acc.DB.Close()
		acc.DB = nil
		delete(openAccounts.names, acc.Name)
	}
	return
}

// OpenAccount opens an account by name. A single shared account exists per
// name, it must be closed by each user.
func OpenAccount(log *mlog.Log, name string) (*Account, error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	if _, ok := selfmail.Conf.Account(name); !ok {
		return nil, ErrAccountUnknown
	}

	acc, err := openAccount(log, name)
	if err != nil {
		return nil, err
	}
	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

// openAccount opens an existing account, or creates it if it is missing.
func openAccount(log *mlog.Log, name string) (a *Account, rerr error) {
	dir := filepath.Join(selfmail.DataDirPath("accounts"), name)
	dbpath := filepath.Join(dir, "index.db")

	// Create account if it doesn't exist yet.
	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(dir, 0770)
	}

	db, err := bstore.Open(context.TODO(), dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			// Another process has the database open.
			return nil, fmt.Errorf("%w: %v", ErrAccountBusy, err)
		}
		return nil, err
	}

	defer func() {
		if rerr != nil {
			db.Close()
			if isNew {
				os.Remove(dbpath)
			}
		}
	}()

	acc := &Account{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
	}
	if isNew {
		if err := acc.initAccount(context.TODO()); err != nil {
			return nil, fmt.Errorf("initializing account: %v", err)
		}
		log.Info("account initialized", mlog.Field("account", name))
	}
	return acc, nil
}

func (a *Account) initAccount(ctx context.Context) error {
	return a.DB.Write(ctx, func(tx *bstore.Tx) error {
		uidvalidity := InitialUIDValidity()

		if err := tx.Insert(&NextUIDValidity{1, uidvalidity}); err != nil {
			return fmt.Errorf("inserting nextuidvalidity: %w", err)
		}
		if err := tx.Insert(&DiskUsage{ID: 1}); err != nil {
			return fmt.Errorf("inserting disk usage: %w", err)
		}

		initial := selfmail.Conf.Static.InitialMailboxes
		if initial.SpecialUse == (config.SpecialUseMailboxes{}) && len(initial.Regular) == 0 {
			initial = InitialMailboxes
		}

		add := func(name string, use SpecialUse) error {
			_, err := a.MailboxCreate(tx, name, use)
			return err
		}
		if err := add("Inbox", SpecialUse{}); err != nil {
			return err
		}
		su := initial.SpecialUse
		for _, x := range []struct {
			name string
			use  SpecialUse
		}{
			{su.Sent, SpecialUse{Sent: true}},
			{su.Archive, SpecialUse{Archive: true}},
			{su.Trash, SpecialUse{Trash: true}},
			{su.Draft, SpecialUse{Draft: true}},
			{su.Junk, SpecialUse{Junk: true}},
		} {
			if x.name == "" {
				continue
			}
			if err := add(x.name, x.use); err != nil {
				return err
			}
		}
		for _, name := range initial.Regular {
			if err := add(name, SpecialUse{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close reduces the reference count, and closes the database connection when
// it was the last user.
func (a *Account) Close() error {
	return closeAccount(a)
}

// Conf returns the configuration for this account if it still exists.
func (a *Account) Conf() (config.Account, bool) {
	return selfmail.Conf.Account(a.Name)
}

// NextUIDValidity returns the next new/unique uidvalidity to use for this account.
func (a *Account) NextUIDValidity(tx *bstore.Tx) (uint32, error) {
	nuv := NextUIDValidity{ID: 1}
	if err := tx.Get(&nuv); err != nil {
		return 0, err
	}
	v := nuv.Next
	nuv.Next++
	if err := tx.Update(&nuv); err != nil {
		return 0, err
	}
	return v, nil
}

// WithWLock runs fn with account writelock held. Necessary for account/mailbox
// modification.
func (a *Account) WithWLock(fn func()) {
	a.Lock()
	defer a.Unlock()
	fn()
}

// WithRLock runs fn with account read lock held.
func (a *Account) WithRLock(fn func()) {
	a.RLock()
	defer a.RUnlock()
	fn()
}

// CheckMailboxName checks if name is a valid mailbox name: NFC-normalized,
// without empty hierarchy elements, and with "Inbox" in its canonical casing.
func CheckMailboxName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrMailboxName)
	}
	if norm.NFC.String(name) != name {
		return fmt.Errorf("%w: not in unicode normalization form C", ErrMailboxName)
	}
	first, _, _ := strings.Cut(name, "/")
	if strings.EqualFold(first, "inbox") && first != "Inbox" {
		return fmt.Errorf("%w: bad casing for inbox", ErrMailboxName)
	}
	for _, elem := range strings.Split(name, "/") {
		if elem == "" {
			return fmt.Errorf("%w: empty hierarchy element", ErrMailboxName)
		}
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f || c == '*' || c == '%' {
			return fmt.Errorf("%w: control character or wildcard", ErrMailboxName)
		}
	}
	return nil
}

// MailboxFind finds a mailbox by name, returning a nil mailbox and nil error if
// mailbox does not exist.
func (a *Account) MailboxFind(tx *bstore.Tx, name string) (*Mailbox, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterEqual("Name", name)
	mb, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}
	return &mb, nil
}

// MailboxGet returns a mailbox by id, or ErrUnknownMailbox.
func (a *Account) MailboxGet(tx *bstore.Tx, id int64) (Mailbox, error) {
	mb := Mailbox{ID: id}
	err := tx.Get(&mb)
	if err == bstore.ErrAbsent {
		return Mailbox{}, ErrUnknownMailbox
	}
	return mb, err
}

// MailboxCreate creates a new mailbox. Its retention is taken from the account
// configuration. Parent mailboxes are not created.
func (a *Account) MailboxCreate(tx *bstore.Tx, name string, use SpecialUse) (Mailbox, error) {
	if err := CheckMailboxName(name); err != nil {
		return Mailbox{}, err
	}
	uidval, err := a.NextUIDValidity(tx)
	if err != nil {
		return Mailbox{}, fmt.Errorf("next uid validity: %v", err)
	}
	mb := Mailbox{
		Name:        name,
		UIDValidity: uidval,
		UIDNext:     1,
		ModSeq:      1,
		SpecialUse:  use,
	}
	if conf, ok := a.Conf(); ok {
		if d, ok := conf.Retention[name]; ok {
			mb.Retention = &d
		}
	}
	if err := tx.Insert(&mb); err != nil {
		return Mailbox{}, fmt.Errorf("creating new mailbox: %w", err)
	}
	return mb, nil
}

// MailboxEnsure finds or creates a mailbox, including its parents. Changes for
// created mailboxes are returned and must be broadcast by the caller.
func (a *Account) MailboxEnsure(tx *bstore.Tx, name string) (mb Mailbox, changes []Change, rerr error) {
	if err := CheckMailboxName(name); err != nil {
		return Mailbox{}, nil, err
	}

	elems := strings.Split(name, "/")
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterFn(func(mb Mailbox) bool {
		return mb.Name == elems[0] || strings.HasPrefix(mb.Name, elems[0]+"/")
	})
	l, err := q.List()
	if err != nil {
		return Mailbox{}, nil, fmt.Errorf("list mailboxes: %v", err)
	}

	mailboxes := map[string]Mailbox{}
	for _, xmb := range l {
		mailboxes[xmb.Name] = xmb
	}

	p := ""
	for _, elem := range elems {
		if p != "" {
			p += "/"
		}
		p += elem
		var ok bool
		mb, ok = mailboxes[p]
		if ok {
			continue
		}
		mb, err = a.MailboxCreate(tx, p, SpecialUse{})
		if err != nil {
			return Mailbox{}, nil, err
		}
		changes = append(changes, ChangeAddMailbox{Mailbox: mb})
	}
	return mb, changes, nil
}

// SetMailboxRetention changes the retention of a mailbox. It applies to
// messages placed in the mailbox afterwards.
func (a *Account) SetMailboxRetention(ctx context.Context, name string, retention *time.Duration) error {
	return a.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := a.MailboxFind(tx, name)
		if err != nil {
			return err
		}
		if mb == nil {
			return ErrUnknownMailbox
		}
		mb.Retention = retention
		return tx.Update(mb)
	})
}

// Mailboxes returns all mailboxes, sorted by name.
func (a *Account) Mailboxes(ctx context.Context) ([]Mailbox, error) {
	return bstore.QueryDB[Mailbox](ctx, a.DB).SortAsc("Name").List()
}

// AttachmentPath returns the path to the file with attachment data for hash.
func (a *Account) AttachmentPath(hash string) string {
	return filepath.Join(a.Dir, "attachments", hash[:2], hash)
}

// retentionExpiry returns whether a message placed in mb at now is retained and
// until when.
func retentionExpiry(mb Mailbox, now time.Time) (bool, time.Time) {
	if mb.Retention == nil || *mb.Retention <= 0 {
		return false, time.Time{}
	}
	return true, now.Add(*mb.Retention)
}
