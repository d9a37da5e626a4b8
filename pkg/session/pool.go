package session

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/multierr"

	"github.com/shaneisley/simplerest/pkg/i18n"
	"github.com/shaneisley/simplerest/pkg/logging"
	"github.com/shaneisley/simplerest/pkg/metrics"
	"github.com/shaneisley/simplerest/pkg/scheduler"
)

// PoolConfig configures a Pool
type PoolConfig struct {
	Logger *logging.Logger
	Texts  *i18n.Texts
	// Debug logs every idle close
	Debug bool
}

// Pool maps session keys to sessions. The map and every session counter are
// only touched on the loop.
type Pool struct {
	loop   *scheduler.Loop
	logger *logging.Logger
	texts  *i18n.Texts
	debug  bool

	sessions map[string]*Session
}

// Info is a snapshot of a pooled session
type Info struct {
	Session      *Session
	Users        int
	Empty        bool
	UnderControl bool
}

// NewPool creates an empty pool driven by loop
func NewPool(loop *scheduler.Loop, cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pool{
		loop:     loop,
		logger:   logger.WithComponent("session-pool"),
		texts:    cfg.Texts,
		debug:    cfg.Debug,
		sessions: make(map[string]*Session),
	}
}

// Lease is one borrow of a session
type Lease struct {
	pool    *Pool
	session *Session
	once    sync.Once

	// Client issues requests for this session
	Client *http.Client
	// Headers is a copy of the session headers at borrow time
	Headers http.Header
}

// Session returns the borrowed session
func (l *Lease) Session() *Session {
	return l.session
}

// Release hands the session back; only the first call counts
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.Release(l.session) })
}

// Get borrows the session for key, creating it on first use
func (p *Pool) Get(ctx context.Context, key string, opts Options) (*Lease, error) {
	var lease *Lease
	var createErr error

	err := p.loop.Call(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		s, ok := p.sessions[key]
		if !ok {
			s, createErr = newSession(key, opts)
			if createErr != nil {
				return
			}
			p.sessions[key] = s
			metrics.SessionOpened()
			p.logger.Debug("session created", "session", key)
		}

		s.users++
		s.empty = false
		s.generation++
		if s.watcher != nil {
			s.watcher.Stop()
			s.watcher = nil
		}
		s.merge(opts)

		lease = &Lease{
			pool:    p,
			session: s,
			Client:  s.client,
			Headers: s.headers.Clone(),
		}
	})
	if err != nil {
		// queued behind the borrow, which may still run
		_ = p.loop.Post(func() {
			if lease != nil {
				lease.Release()
			}
		})
		return nil, err
	}
	if createErr != nil {
		return nil, createErr
	}
	return lease, nil
}

// Release decrements the user count of s without blocking the caller. When it
// reaches zero the idle watcher is armed.
func (p *Pool) Release(s *Session) {
	err := p.loop.Post(func() {
		if s.users > 0 {
			s.users--
		}
		if s.users > 0 {
			return
		}
		s.empty = true
		if s.watcher == nil && !s.closed {
			p.watch(s)
		}
	})
	if err != nil {
		p.logger.Debug("release after loop stop", "session", s.key)
	}
}

func (p *Pool) watch(s *Session) {
	gen := s.generation
	s.watcher = p.loop.AfterFunc(s.idle, func() {
		if s.generation != gen || !s.empty {
			return
		}
		s.watcher = nil
		p.expire(s)
	})
}

func (p *Pool) expire(s *Session) {
	if cur, ok := p.sessions[s.key]; ok && cur == s {
		delete(p.sessions, s.key)
	}
	if err := s.close(); err != nil {
		p.logger.LogError("session_close", err, "session", s.key)
		return
	}
	metrics.SessionClosed()

	if p.debug {
		msg := "session closed"
		if p.texts != nil {
			msg = p.texts.Format(i18n.KeySessClosed, s.key)
		}
		p.logger.Info(msg, "session", s.key)
	}
}

// Lookup returns a snapshot of the session stored under key
func (p *Pool) Lookup(ctx context.Context, key string) (Info, bool, error) {
	var info Info
	var found bool
	err := p.loop.Call(ctx, func() {
		s, ok := p.sessions[key]
		if !ok {
			return
		}
		found = true
		info = Info{
			Session:      s,
			Users:        s.users,
			Empty:        s.empty,
			UnderControl: s.watcher != nil,
		}
	})
	return info, found, err
}

// Len returns the number of live sessions
func (p *Pool) Len(ctx context.Context) (int, error) {
	var n int
	err := p.loop.Call(ctx, func() { n = len(p.sessions) })
	return n, err
}

// CloseAll closes every session and empties the pool
func (p *Pool) CloseAll(ctx context.Context) error {
	var closeErr error
	err := p.loop.Call(ctx, func() {
		for key, s := range p.sessions {
			if err := s.close(); err != nil {
				closeErr = multierr.Append(closeErr, err)
				continue
			}
			metrics.SessionClosed()
			p.logger.Debug("session closed", "session", key)
		}
		p.sessions = make(map[string]*Session)
	})
	if err != nil {
		return err
	}
	return closeErr
}
