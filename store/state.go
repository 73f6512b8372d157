package store

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mlog"
)

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
	broadcast  = make(chan changeReq)
)

type changeReq struct {
	account string
	comm    *Comm // Can be nil.
	changes []Change
	done    chan struct{}
}

// Change to mailboxes/messages in an account. One of the Change* types in this
// package.
type Change any

// ChangeAddUID is sent for a new message in a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	MessageID int64
	ModSeq    ModSeq
	Flags     Flags    // System flags.
	Keywords  []string // Other flags.
}

// ChangeRemoveUIDs is sent for removal of one or more messages from a mailbox.
type ChangeRemoveUIDs struct {
	MailboxID int64
	UIDs      []UID // Must be in increasing UID order, for IMAP.
	ModSeq    ModSeq
}

// ChangeAddMailbox is sent for a newly created mailbox.
type ChangeAddMailbox struct {
	Mailbox Mailbox
}

func switchboard(stopc, donec chan struct{}) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		xlog.Error("unhandled panic in switchboard", mlog.Field("panic", fmt.Sprint(x)))
		debug.PrintStack()
		metrics.PanicInc(metrics.Store)
		panic(x)
	}()

	regs := map[string]map[*Comm]struct{}{}

	for {
		select {
		case c := <-register:
			if _, ok := regs[c.account]; !ok {
				regs[c.account] = map[*Comm]struct{}{}
			}
			regs[c.account][c] = struct{}{}

		case c := <-unregister:
			delete(regs[c.account], c)
			if len(regs[c.account]) == 0 {
				delete(regs, c.account)
			}

		case chReq := <-broadcast:
			for c := range regs[chReq.account] {
				// Do not send the broadcaster back their own changes. chReq.comm is nil if not
				// originating from a comm, so won't match in that case.
				if c == chReq.comm {
					continue
				}

				c.Lock()
				c.changes = append(c.changes, chReq.changes...)
				c.Unlock()

				select {
				case c.Pending <- struct{}{}:
				default:
				}
			}
			chReq.done <- struct{}{}

		case <-stopc:
			donec <- struct{}{}
			return
		}
	}
}

var switchboardBusy atomic.Bool

// Switchboard distributes changes to accounts to interested listeners. See
// Comm and Change. The returned function stops the switchboard.
func Switchboard() (stop func()) {
	if !switchboardBusy.CompareAndSwap(false, true) {
		panic("switchboard already busy")
	}

	stopc := make(chan struct{})
	donec := make(chan struct{})

	go switchboard(stopc, donec)

	return func() {
		stopc <- struct{}{}
		<-donec

		if !switchboardBusy.CompareAndSwap(true, false) {
			panic("switchboard already unregistered?")
		}
	}
}

// Comm handles communication with the goroutine that distributes changes for
// an account.
type Comm struct {
	Pending chan struct{} // Receives block until changes come in, e.g. for IMAP IDLE.

	account string

	sync.Mutex
	changes []Change
}

// RegisterComm starts a Comm for the account. Unregister must be called.
func RegisterComm(acc *Account) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1), // Buffered so Switchboard can just do a non-blocking send.
		account: acc.Name,
	}
	register <- c
	return c
}

// Unregister stops this Comm.
func (c *Comm) Unregister() {
	unregister <- c
}

// Broadcast ensures changes are sent to other Comms.
func (c *Comm) Broadcast(ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{c.account, c, ch, done}
	<-done
}

// Get retrieves all pending changes. If no changes are pending a nil or empty list
// is returned.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

// BroadcastChanges ensures changes are sent to all listeners on the account.
func BroadcastChanges(acc *Account, ch []Change) {
	BroadcastAccountChanges(acc.Name, ch)
}

// BroadcastAccountChanges is like BroadcastChanges, for an account that may
// not be open in this process, e.g. for changes made by another process.
func BroadcastAccountChanges(account string, ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{account, nil, ch, done}
	<-done
}
