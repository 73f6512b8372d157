package notify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mjl-/selfmail/mlog"
)

// Postgres limits the payload of a notification.
const maxNotifyPayload = 7900

// PostgresPipe exchanges updates over Postgres LISTEN/NOTIFY on a channel.
// Each process both listens and notifies.
type PostgresPipe struct {
	DSN     string
	Channel string
	Log     *mlog.Log

	id string
	db *sql.DB

	mu       sync.Mutex
	listener *pq.Listener
}

var _ Pipe = (*PostgresPipe)(nil)

// NewPostgresPipe opens a connection for sending notifications. The listening
// connection is made by Listen.
func NewPostgresPipe(dsn, channel string, log *mlog.Log) (*PostgresPipe, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresPipe{DSN: dsn, Channel: channel, Log: log, id: uuid.NewString(), db: db}, nil
}

func (p *PostgresPipe) eventHandler(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		p.Log.Debug("connected to postgres for changes")
	case pq.ListenerEventReconnected:
		p.Log.Info("connection to postgres reestablished, changes may have been missed")
	case pq.ListenerEventConnectionAttemptFailed:
		p.Log.Errorx("connection attempt to postgres failed", err)
	case pq.ListenerEventDisconnected:
		p.Log.Infox("connection to postgres closed", err)
	}
}

func (p *PostgresPipe) Listen(updates chan<- Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener != nil {
		return fmt.Errorf("listen already called")
	}
	l := pq.NewListener(p.DSN, 10*time.Second, time.Minute, p.eventHandler)
	if err := l.Listen(p.Channel); err != nil {
		l.Close()
		return fmt.Errorf("listen on postgres channel: %w", err)
	}
	p.listener = l

	go func() {
		for n := range l.Notify {
			// Nil after reconnect.
			if n == nil {
				continue
			}
			sender, u, err := parseUpdate(n.Extra)
			if err != nil {
				p.Log.Errorx("malformed update received", err)
				continue
			}
			if sender == p.id {
				continue
			}
			updates <- u
		}
	}()
	return nil
}

// InitPush is a no-op, notifications are sent over the regular connection.
func (p *PostgresPipe) InitPush() error {
	return nil
}

// Push sends the update. Updates that don't fit in a single notification are
// split.
func (p *PostgresPipe) Push(ctx context.Context, u Update) error {
	payload, err := formatUpdate(p.id, u)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		if len(u.Entries) <= 1 {
			return fmt.Errorf("update for account %q too large for notification", u.Account)
		}
		half := len(u.Entries) / 2
		if err := p.Push(ctx, Update{u.Account, u.Entries[:half]}); err != nil {
			return err
		}
		return p.Push(ctx, Update{u.Account, u.Entries[half:]})
	}
	_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.Channel, payload)
	return err
}

func (p *PostgresPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	if xerr := p.db.Close(); err == nil {
		err = xerr
	}
	return err
}
