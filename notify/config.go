package notify

import (
	"github.com/mjl-/selfmail/mlog"
	"github.com/mjl-/selfmail/selfmail-"
)

// ConfiguredPipe returns the pipe from the Notify config, or nil if none is
// configured. A Postgres DSN takes precedence over a socket path.
func ConfiguredPipe(log *mlog.Log) (Pipe, error) {
	c := selfmail.Conf.Static.Notify
	if c.PostgresDSN != "" {
		return NewPostgresPipe(c.PostgresDSN, c.Channel, log)
	}
	if c.PipePath != "" {
		return NewUnixPipe(selfmail.DataDirPath(c.PipePath), log), nil
	}
	return nil, nil
}
