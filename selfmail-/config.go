package selfmail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/net/idna"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/sconf"

	"github.com/mjl-/selfmail/config"
	"github.com/mjl-/selfmail/mlog"
)

var xlog = mlog.New("selfmail")

// ConfigStaticPath is set early in program startup.
var ConfigStaticPath string

// Conf is the active configuration.
var Conf = Config{Log: map[string]mlog.Level{"": mlog.LevelError}}

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex // For accessing the log levels.
	Log      map[string]mlog.Level
}

func (c *Config) copyLogLevels() map[string]mlog.Level {
	m := map[string]mlog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// LogLevels returns a copy of the current log levels.
func (c *Config) LogLevels() map[string]mlog.Level {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	return c.copyLogLevels()
}

// Accounts returns the sorted names of all configured accounts.
func (c *Config) Accounts() []string {
	l := maps.Keys(c.Static.Accounts)
	slices.Sort(l)
	return l
}

// Account returns the configuration for an account.
func (c *Config) Account(name string) (acc config.Account, ok bool) {
	acc, ok = c.Static.Accounts[name]
	return
}

// Domain returns the configuration for a domain, by normalized name.
func (c *Config) Domain(name string) (dom config.Domain, ok bool) {
	orig, ok := c.Static.DomainNames[name]
	if !ok {
		return config.Domain{}, false
	}
	dom, ok = c.Static.Domains[orig]
	return
}

// DomainAccounts returns the names of accounts that belong to a domain.
func (c *Config) DomainAccounts(domain string) (l []string) {
	for _, name := range c.Accounts() {
		if c.Static.Accounts[name].DNSDomain == domain {
			l = append(l, name)
		}
	}
	return l
}

// AccountQuota returns the maximum total message size for an account. Zero or
// negative means no limit.
func (c *Config) AccountQuota(name string) int64 {
	acc, ok := c.Account(name)
	if !ok {
		return 0
	}
	if acc.QuotaMessageSize != 0 {
		return acc.QuotaMessageSize
	}
	if dom, ok := c.Domain(acc.DNSDomain); ok && dom.QuotaMessageSize > 0 {
		return dom.QuotaMessageSize
	}
	return c.Static.QuotaMessageSize
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), xlog)
	if len(errs) > 1 {
		xlog.Error("loading config file: multiple errors")
		for _, err := range errs {
			xlog.Errorx("config error", err)
		}
		xlog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		xlog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log *mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{Static: c.Static, Log: c.Log}
}

// ParseConfig parses the static config at path p. If checkOnly is true, no
// changes are made, such as creating the data directory.
func ParseConfig(ctx context.Context, log *mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("SELFMAILCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use selfmail -config ... or set SELFMAILCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config and fills in derived and
// default values.
func PrepareStaticConfig(ctx context.Context, log *mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	checkMailboxNormf := func(mailbox string, format string, args ...any) {
		s := norm.NFC.String(mailbox)
		if mailbox != s {
			msg := fmt.Sprintf(format, args...)
			addErrorf("%s: mailbox %q is not in NFC normalized form, should be %q", msg, mailbox, s)
		}
	}

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]mlog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		conf.Log = map[string]mlog.Level{"": mlog.LevelError}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.MaxCopyBatch < 0 {
		addErrorf("MaxCopyBatch must be >= 0")
	}

	if c.Lock.Timeout < 0 || c.Lock.Retry < 0 || c.Lock.MaxHold < 0 {
		addErrorf("lock durations must be >= 0")
	}
	if c.Lock.Timeout == 0 {
		c.Lock.Timeout = config.DefaultLockTimeout
	}
	if c.Lock.Retry == 0 {
		c.Lock.Retry = 50 * time.Millisecond
	}
	if c.Lock.MaxHold == 0 {
		c.Lock.MaxHold = time.Minute
	}

	if c.Notify.Channel == "" {
		c.Notify.Channel = "selfmail_changes"
	}

	if wp := c.WorkerPool; wp != nil {
		if len(wp.Workers) == 0 {
			addErrorf("worker pool without workers")
		}
		for _, w := range wp.Workers {
			if u, err := url.Parse(w); err != nil || u.Scheme == "" || u.Host == "" {
				addErrorf("invalid worker url %q", w)
			}
		}
		if !slices.Contains(wp.Workers, wp.Self) {
			addErrorf("worker pool Self %q not in Workers", wp.Self)
		}
		if wp.PingInterval <= 0 {
			wp.PingInterval = config.DefaultPingInterval
		}
		if wp.Timeout <= 0 {
			wp.Timeout = 5 * time.Minute
		}
		if wp.Listen == "" {
			if u, err := url.Parse(wp.Self); err == nil {
				wp.Listen = u.Host
			}
		}
	}

	for _, name := range []string{c.InitialMailboxes.SpecialUse.Sent, c.InitialMailboxes.SpecialUse.Archive, c.InitialMailboxes.SpecialUse.Trash, c.InitialMailboxes.SpecialUse.Draft, c.InitialMailboxes.SpecialUse.Junk} {
		if name != "" {
			checkMailboxNormf(name, "special-use initial mailbox")
		}
	}
	for _, name := range c.InitialMailboxes.Regular {
		checkMailboxNormf(name, "regular initial mailbox")
		if strings.EqualFold(name, "inbox") {
			addErrorf("initial regular mailbox cannot be inbox")
		}
	}

	c.DomainNames = map[string]string{}
	for name := range c.Domains {
		d, err := NormalizeDomain(name)
		if err != nil {
			addErrorf("domain %q: %v", name, err)
			continue
		}
		if other, ok := c.DomainNames[d]; ok {
			addErrorf("domain %q is a duplicate of %q", name, other)
			continue
		}
		c.DomainNames[d] = name
	}

	for accName, acc := range c.Accounts {
		if accName == "" || strings.ContainsAny(accName, "/\\") || accName == "." || accName == ".." {
			addErrorf("invalid account name %q", accName)
		}
		d, err := NormalizeDomain(acc.Domain)
		if err != nil {
			addErrorf("account %q: domain %q: %v", accName, acc.Domain, err)
		} else if _, ok := c.DomainNames[d]; !ok {
			addErrorf("account %q: unknown domain %q", accName, acc.Domain)
		}
		acc.DNSDomain = d
		if acc.Locale != "" {
			if _, err := language.Parse(acc.Locale); err != nil {
				addErrorf("account %q: invalid locale %q: %v", accName, acc.Locale, err)
			}
		}
		for mbName, ret := range acc.Retention {
			checkMailboxNormf(mbName, "account %q retention", accName)
			if ret < 0 {
				addErrorf("account %q: retention for mailbox %q must be >= 0", accName, mbName)
			}
		}
		c.Accounts[accName] = acc
	}

	if !checkOnly {
		dataDir := configDirPath(configFile, c.DataDir)
		if err := os.MkdirAll(dataDir, 0770); err != nil {
			addErrorf("creating data directory: %v", err)
		}
	}

	return errs
}

// NormalizeDomain returns the lower case unicode form of a domain name, after
// checking it is a valid IDNA name.
func NormalizeDomain(s string) (string, error) {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", fmt.Errorf("empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(ascii)
	if err != nil {
		return "", fmt.Errorf("to unicode: %w", err)
	}
	return strings.ToLower(unicode), nil
}
