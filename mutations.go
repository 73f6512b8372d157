package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/mutate"
	"github.com/mjl-/selfmail/selfmail-"
	"github.com/mjl-/selfmail/store"
	"github.com/mjl-/selfmail/workerpool"
)

// parseUIDSet parses a set of UIDs like "1,5:7,100:*". An empty string is all
// messages.
func parseUIDSet(s string) ([]mutate.UIDRange, error) {
	if s == "" || s == "*" || s == "1:*" {
		return nil, nil
	}
	parseUID := func(s string) (store.UID, error) {
		if s == "*" {
			return 0, nil
		}
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil || v == 0 {
			return 0, fmt.Errorf("invalid uid %q", s)
		}
		return store.UID(v), nil
	}

	var l []mutate.UIDRange
	for _, elem := range strings.Split(s, ",") {
		a, b, isRange := strings.Cut(elem, ":")
		first, err := parseUID(a)
		if err != nil {
			return nil, err
		} else if first == 0 {
			return nil, fmt.Errorf("range cannot start with *")
		}
		last := first
		if isRange {
			last, err = parseUID(b)
			if err != nil {
				return nil, err
			}
		}
		if last != 0 && last < first {
			first, last = last, first
		}
		l = append(l, mutate.UIDRange{First: first, Last: last})
	}
	return l, nil
}

// mutationEngine prepares an engine for a command. Changes are pushed to other
// processes through the pipe. Commands don't listen for changes of others.
func mutationEngine(log *mlog.Log) (*mutate.Engine, func()) {
	stopSwitchboard := store.Switchboard()
	engine, notifier, closeEngine := newEngine(log)
	if err := notifier.StartPush(); err != nil {
		log.Errorx("starting change notification, other processes will not see changes", err)
	}
	if wp := selfmail.Conf.Static.WorkerPool; wp != nil {
		engine.Dispatch = workerpool.New(*wp)
	}
	return engine, func() {
		closeEngine()
		stopSwitchboard()
	}
}

func printProgress(text string) {
	fmt.Fprintln(os.Stderr, text)
}

// xmutateError exits with the code and message of a mutation error.
func xmutateError(err error, what string) {
	if err == nil {
		return
	}
	var merr *mutate.Error
	if errors.As(err, &merr) {
		log.Fatalf("%s: [%s] %s", what, merr.Code, merr.Message)
	}
	log.Fatalf("%s: %v", what, err)
}

func sourceMailboxID(account, name string) int64 {
	acc, err := store.OpenAccount(mlog.New("main"), account)
	xcheckf(err, "open account")
	defer func() {
		err := acc.Close()
		xcheckf(err, "closing account")
	}()
	var id int64
	err = acc.DB.Read(context.Background(), func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, name)
		if err != nil {
			return err
		} else if mb == nil {
			return fmt.Errorf("%w: %q", store.ErrUnknownMailbox, name)
		}
		id = mb.ID
		return nil
	})
	xcheckf(err, "looking up source mailbox")
	return id
}

func cmdCopy(c *cmd) {
	copyMove(c, "copy")
}

func cmdMove(c *cmd) {
	copyMove(c, "move")
}

func copyMove(c *cmd, op string) {
	done := map[string]string{"copy": "copied", "move": "moved"}[op]
	c.params = "[-uids set] [-locale locale] account source destination"
	c.help = fmt.Sprintf(`%s messages from mailbox source to destination.

The set of UIDs is a comma-separated list of UIDs and ranges, e.g.
"5,7:9,100:*". By default all messages are %s. The destination mailbox must
exist. The new UIDs are printed as "source-uid destination-uid" lines.
`, strings.ToUpper(op[:1])+op[1:], done)
	var uids, locale string
	c.flag.StringVar(&uids, "uids", "", "set of uids to "+op)
	c.flag.StringVar(&locale, "locale", "", "language for error messages, e.g. de")
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	ranges, err := parseUIDSet(uids)
	xcheckf(err, "parsing uid set")
	mustLoadConfig()

	engine, closeEngine := mutationEngine(c.log)
	defer closeEngine()

	req := mutate.CopyRequest{
		Session:     mutate.Session{Account: args[0], Locale: locale, RemoteIP: "local"},
		MailboxID:   sourceMailboxID(args[0], args[1]),
		Destination: args[2],
		UIDs:        ranges,
		Progress:    printProgress,
	}
	var res mutate.CopyResult
	if op == "move" {
		res, err = engine.Move(context.Background(), req)
	} else {
		res, err = engine.Copy(context.Background(), req)
	}
	xmutateError(err, op)
	for i := range res.SourceUIDs {
		fmt.Printf("%d %d\n", res.SourceUIDs[i], res.DestUIDs[i])
	}
	log.Printf("%s %d messages, %d bytes, uidvalidity %d", done, res.Count, res.Size, res.UIDValidity)
}

func cmdAppend(c *cmd) {
	c.params = "[-flags flags] [-keywords keywords] [-received time] account mailbox <message"
	c.help = `Add a message read from stdin to a mailbox.

Flags is a comma-separated list of system flags: seen, answered, flagged,
forwarded, junk, notjunk, deleted, draft. The junk flag is set automatically
for messages added to the junk mailbox. The received time is in RFC 3339
format, the current time is used by default.
`
	var flags, keywords, received string
	c.flag.StringVar(&flags, "flags", "", "comma-separated system flags")
	c.flag.StringVar(&keywords, "keywords", "", "comma-separated keywords")
	c.flag.StringVar(&received, "received", "", "time message was received")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	req := mutate.AppendRequest{
		Session:  mutate.Session{Account: args[0], RemoteIP: "local"},
		Mailbox:  args[1],
		Progress: printProgress,
	}
	var err error
	req.Flags, err = parseFlags(flags)
	xcheckf(err, "parsing flags")
	if keywords != "" {
		for _, kw := range strings.Split(keywords, ",") {
			req.Keywords = append(req.Keywords, strings.ToLower(kw))
		}
	}
	if received != "" {
		req.Received, err = time.Parse(time.RFC3339, received)
		xcheckf(err, "parsing received time")
	}
	req.Message, err = io.ReadAll(os.Stdin)
	xcheckf(err, "reading message")

	mustLoadConfig()
	engine, done := mutationEngine(c.log)
	defer done()

	res, err := engine.Append(context.Background(), req)
	xmutateError(err, "append")
	fmt.Printf("%d\n", res.UID)
	log.Printf("appended message of %d bytes, uidvalidity %d", res.Size, res.UIDValidity)
}

func parseFlags(s string) (store.Flags, error) {
	var f store.Flags
	if s == "" {
		return f, nil
	}
	for _, w := range strings.Split(s, ",") {
		switch strings.TrimPrefix(strings.ToLower(w), `\`) {
		case "seen":
			f.Seen = true
		case "answered":
			f.Answered = true
		case "flagged":
			f.Flagged = true
		case "forwarded", "$forwarded":
			f.Forwarded = true
		case "junk", "$junk":
			f.Junk = true
		case "notjunk", "$notjunk":
			f.Notjunk = true
		case "deleted":
			f.Deleted = true
		case "draft":
			f.Draft = true
		default:
			return f, fmt.Errorf("unknown flag %q", w)
		}
	}
	return f, nil
}
