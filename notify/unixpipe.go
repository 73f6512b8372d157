package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/selfmail/mlog"
)

// UnixPipe exchanges updates over a unix domain socket. The first process
// listens on the socket, others connect to it. The listening process relays
// each update it receives to the other connected processes. When the listening
// process goes away, the remaining processes race to take over the socket, and
// the others connect to the winner.
//
// Short-lived processes, e.g. commands, only push with InitPush, and never
// become the listener.
//
// The stream consists of lines:
//
//	SENDER;JSON\n
//
// SENDER is a unique id of the pipe instance, used to skip updates pushed by
// the receiving instance itself.
type UnixPipe struct {
	SockPath string
	Log      *mlog.Log

	id string

	mu       sync.Mutex
	updates  chan<- Update // Set by Listen.
	pushOnly bool
	listener net.Listener
	conns    map[net.Conn]struct{} // When listening, all connected processes. Otherwise the connection to the listener.
	closed   bool
}

var _ Pipe = (*UnixPipe)(nil)

// Maximum interval between attempts to rejoin after the listening process
// went away.
var rejoinMaxBackoff = 5 * time.Second

// NewUnixPipe returns a pipe for the socket at path.
func NewUnixPipe(path string, log *mlog.Log) *UnixPipe {
	return &UnixPipe{SockPath: path, Log: log, id: uuid.NewString(), conns: map[net.Conn]struct{}{}}
}

// Listening returns whether this instance is the one listening on the socket.
func (p *UnixPipe) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener != nil
}

func (p *UnixPipe) Listen(updates chan<- Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.updates != nil || p.pushOnly {
		return fmt.Errorf("listen or initpush already called")
	}
	if err := p.join(updates); err != nil {
		return err
	}
	p.updates = updates
	return nil
}

// InitPush connects to the listening process for pushing updates only. Updates
// of other processes are not received.
func (p *UnixPipe) InitPush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.updates != nil || p.pushOnly {
		return fmt.Errorf("listen or initpush already called")
	}
	conn, err := net.Dial("unix", p.SockPath)
	if err != nil {
		return fmt.Errorf("connect to notify socket: %w", err)
	}
	p.pushOnly = true
	p.conns[conn] = struct{}{}
	go func() {
		// Relayed updates of other processes are not needed.
		io.Copy(io.Discard, conn)
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		conn.Close()
	}()
	return nil
}

// join listens on the socket, or connects to the process listening on it. Must
// be called with mu held.
func (p *UnixPipe) join(updates chan<- Update) error {
	l, err := net.Listen("unix", p.SockPath)
	if err == nil {
		p.listener = l
		go p.accept(l, updates)
		return nil
	}

	conn, derr := net.Dial("unix", p.SockPath)
	if derr != nil && errors.Is(err, syscall.EADDRINUSE) {
		// Socket file left behind by a process that is gone.
		p.Log.Info("removing stale notify socket", mlog.Field("path", p.SockPath))
		os.Remove(p.SockPath)
		l, err = net.Listen("unix", p.SockPath)
		if err != nil {
			return fmt.Errorf("listen on notify socket: %w", err)
		}
		p.listener = l
		go p.accept(l, updates)
		return nil
	} else if derr != nil {
		return fmt.Errorf("listen on notify socket: %v, connect: %w", err, derr)
	}
	p.conns[conn] = struct{}{}
	go p.read(conn, updates, false)
	return nil
}

// rejoin keeps trying to join until it succeeds or the pipe is closed.
func (p *UnixPipe) rejoin(updates chan<- Update) {
	backoff := 50 * time.Millisecond
	for {
		// Jitter so remaining processes don't all try to listen at the same time.
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff))))

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		err := p.join(updates)
		listening := p.listener != nil
		p.mu.Unlock()
		if err == nil {
			p.Log.Info("rejoined notify socket", mlog.Field("listening", listening))
			return
		}
		p.Log.Infox("rejoining notify socket", err, mlog.Field("backoff", backoff))
		backoff *= 2
		if backoff > rejoinMaxBackoff {
			backoff = rejoinMaxBackoff
		}
	}
}

func (p *UnixPipe) accept(l net.Listener, updates chan<- Update) {
	for {
		conn, err := l.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed {
				p.Log.Errorx("accept on notify socket", err)
			}
			return
		}
		p.mu.Lock()
		p.conns[conn] = struct{}{}
		p.mu.Unlock()
		go p.read(conn, updates, true)
	}
}

func (p *UnixPipe) read(conn net.Conn, updates chan<- Update, relay bool) {
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		closed := p.closed
		p.mu.Unlock()
		conn.Close()
		if !relay && !closed {
			p.Log.Info("connection to listening process on notify socket closed, rejoining")
			go p.rejoin(updates)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(nil, 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sender, u, err := parseUpdate(line)
		if err != nil {
			p.Log.Errorx("malformed update received", err)
			continue
		}
		if relay {
			p.write(line+"\n", conn)
		}
		if sender == p.id {
			continue
		}
		updates <- u
	}
}

// write sends line to all connections except skip.
func (p *UnixPipe) write(line string, skip net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for conn := range p.conns {
		if conn == skip {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.WriteString(conn, line); err != nil {
			errs = append(errs, err)
			conn.Close()
			delete(p.conns, conn)
		}
	}
	return errors.Join(errs...)
}

func (p *UnixPipe) Push(ctx context.Context, u Update) error {
	line, err := formatUpdate(p.id, u)
	if err != nil {
		return err
	}
	return p.write(line, nil)
}

func (p *UnixPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	// Closing the listener removes the socket file.
	if p.listener != nil {
		p.listener.Close()
	}
	for conn := range p.conns {
		conn.Close()
	}
	return nil
}
