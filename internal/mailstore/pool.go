package mailstore

import (
	"context"
	"database/sql"
	"time"
)

// DefaultPoolSize is the default maximum number of pooled connections.
const DefaultPoolSize = 10

// DefaultAcquireTimeout is how long Acquire blocks before failing with
// ErrAcquireTimeout.
const DefaultAcquireTimeout = 20 * time.Second

// pool is a bounded, FIFO-fair connection pool layered on top of
// database/sql's own pooling. database/sql already multiplexes
// physical connections, but it has no acquire-timeout or
// bounded-waiter-queue concept of its own; pool adds exactly that
// contract on top, per §4.2's connection-pool requirement. A buffered
// channel of tokens is both the free-list and, by channel receive
// ordering, the FIFO waiter queue: goroutines that call Acquire
// earlier receive a token before ones that call later.
type pool struct {
	db     *sql.DB
	tokens chan struct{}
	size   int
}

func newPool(db *sql.DB, size int) *pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &pool{db: db, size: size, tokens: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// Lease is a scoped handle to a pooled connection. Release must be
// called exactly once, typically via defer; it returns the connection
// and the pool token together, regardless of whether the caller's
// transaction committed.
type Lease struct {
	conn    *sql.Conn
	release func()
}

// Conn returns the underlying *sql.Conn for this lease.
func (l *Lease) Conn() *sql.Conn {
	return l.conn
}

// Release returns the connection and the pool slot. Safe to call more
// than once; only the first call has effect.
func (l *Lease) Release() {
	if l.release == nil {
		return
	}
	release := l.release
	l.release = nil
	release()
}

// Acquire blocks until a token is available or timeout elapses,
// failing with ErrAcquireTimeout. A physical database/sql connection
// is obtained only after a token is won, so the token count bounds
// concurrent DB usage even though database/sql could technically hand
// out more.
func (p *pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-p.tokens:
	case <-acquireCtx.Done():
		return nil, ErrAcquireTimeout
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.tokens <- struct{}{}
		return nil, err
	}

	var once bool
	release := func() {
		if once {
			return
		}
		once = true
		_ = conn.Close()
		p.tokens <- struct{}{}
	}
	return &Lease{conn: conn, release: release}, nil
}

// Len reports the number of free tokens; once every lease is released
// it equals the pool size again.
func (p *pool) Len() int {
	return len(p.tokens)
}
