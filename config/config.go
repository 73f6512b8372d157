package config

import (
	"time"
)

// DefaultLockTimeout is used when Lock.Timeout is not configured.
const DefaultLockTimeout = 15 * time.Second

// DefaultPingInterval is the interval between progress notices while a
// request is being handled by another worker.
const DefaultPingInterval = 10 * time.Second

// Static is a parsed form of the selfmail.conf configuration file, before
// converting it into a selfmail.Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, e.g. accounts, their message index databases, and the usage database. If this is a relative path, it is relative to the directory of selfmail.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, quota, mutate, notify, workerpool)."`
	QuotaMessageSize int64             `sconf:"optional" sconf-doc:"Default maximum total message size in bytes for each individual account, only applicable if greater than zero. Can be overridden per domain and per account. Operations that add messages to an account beyond its maximum total size fail with an over-quota error."`
	MaxCopyBatch     int               `sconf:"optional" sconf-doc:"Maximum number of messages a single copy or move may touch. A larger request fails before anything is changed. Zero means no limit."`
	InitialMailboxes InitialMailboxes  `sconf:"optional" sconf-doc:"Mailboxes to create for new accounts. Inbox is always created. If absent/empty, the following mailboxes are created: Sent, Archive, Trash, Drafts and Junk."`
	Lock             Lock              `sconf:"optional" sconf-doc:"Advisory lock taken on an account database while mutating it. Serializes mutations from multiple processes that open the same account."`
	Notify           Notify            `sconf:"optional" sconf-doc:"Propagation of mailbox changes to other processes. Within a process, changes are always propagated."`
	WorkerPool       *WorkerPool       `sconf:"optional" sconf-doc:"If set, mutations for an account are executed by the single worker that is authoritative for that account. Other workers forward their requests."`
	MetricsListen    string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. 127.0.0.1:8010. Not served if empty."`
	Domains          map[string]Domain `sconf-doc:"Domains that accounts belong to. Names are normalized to their unicode form."`
	Accounts         map[string]Account

	// Normalized domain names, from normalized name to name in the config file.
	DomainNames map[string]string `sconf:"-" json:"-"`
}

// InitialMailboxes are mailboxes created for a new account.
type InitialMailboxes struct {
	SpecialUse SpecialUseMailboxes `sconf:"optional" sconf-doc:"Special-use roles to mailbox to create."`
	Regular    []string            `sconf:"optional" sconf-doc:"Regular, non-special-use mailboxes to create."`
}

// SpecialUseMailboxes holds mailbox names for special-use roles. Junk is the
// role that changes behaviour: messages placed in it get the junk flag.
type SpecialUseMailboxes struct {
	Sent    string `sconf:"optional"`
	Archive string `sconf:"optional"`
	Trash   string `sconf:"optional"`
	Draft   string `sconf:"optional"`
	Junk    string `sconf:"optional"`
}

type Lock struct {
	Timeout time.Duration `sconf:"optional" sconf-doc:"Maximum time to wait for the lock, after which the operation fails with a temporary error. Default 15s."`
	Retry   time.Duration `sconf:"optional" sconf-doc:"Interval between attempts to get the lock while waiting. Default 50ms."`
	MaxHold time.Duration `sconf:"optional" sconf-doc:"Expected maximum time a lock is held. Written in the lock file to help operators find stuck holders. Default 1m."`
}

type Notify struct {
	PipePath    string `sconf:"optional" sconf-doc:"Path to unix domain socket to exchange change notifications with other processes. Relative paths are relative to the data directory. The first process to start listens, others connect."`
	PostgresDSN string `sconf:"optional" sconf-doc:"Postgres connection string, to exchange change notifications over LISTEN/NOTIFY. Takes precedence over PipePath."`
	Channel     string `sconf:"optional" sconf-doc:"Postgres notification channel. Default selfmail_changes."`
}

type WorkerPool struct {
	Self         string        `sconf-doc:"URL of this worker, must be one of Workers."`
	Workers      []string      `sconf-doc:"Base URLs of all workers, e.g. http://10.0.0.1:1080/mutate/. An account is assigned to a worker by a hash of its name, so all workers must have the same list in the same order."`
	Listen       string        `sconf:"optional" sconf-doc:"Address to listen on for requests from other workers. If empty, the host and port of Self are used."`
	PingInterval time.Duration `sconf:"optional" sconf-doc:"Interval between progress notices while waiting for a forwarded request. Default 10s."`
	Timeout      time.Duration `sconf:"optional" sconf-doc:"Maximum duration of a forwarded request. Default 5m."`
}

type Domain struct {
	Description      string `sconf:"optional" sconf-doc:"Free-form description of domain."`
	QuotaMessageSize int64  `sconf:"optional" sconf-doc:"Maximum total message size in bytes for all accounts of this domain together, only applicable if greater than zero. Also used as default for accounts of this domain without their own quota."`
}

type Account struct {
	Domain           string                   `sconf-doc:"Domain the account belongs to, must be configured in Domains."`
	Description      string                   `sconf:"optional" sconf-doc:"Free form description, e.g. full name or alternative contact info."`
	Locale           string                   `sconf:"optional" sconf-doc:"Language for error messages, e.g. en or de. Default en."`
	QuotaMessageSize int64                    `sconf:"optional" sconf-doc:"Maximum total message size in bytes for the account, overriding the domain and global default. Use -1 for no limit."`
	Disabled         bool                     `sconf:"optional" sconf-doc:"A disabled account cannot be used for mutations. Existing data is kept."`
	Retention        map[string]time.Duration `sconf:"optional" sconf-doc:"Retention per mailbox name, applied when the mailbox is created. Messages placed in such a mailbox get an expiry time. A zero duration means messages do not expire."`

	DNSDomain string `sconf:"-" json:"-"` // Normalized form of Domain.
}
