// Package sqlitepool provides a bounded, thread-safe pool of SQLite
// connections to the local durable store.
//
// The pool is the only shared mutable resource in the sync pipeline.
// Connections are opened with WAL journaling and relaxed synchronous mode,
// pre-warmed at construction, and liveness-probed before being handed out
// or returned. Durability and isolation of writes are delegated to
// SQLite's own transaction mechanism; the pool guards only its free list
// and active-connection count.
package sqlitepool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
)

// ErrPoolExhausted is returned by Acquire when no connection becomes
// available within the timeout. The caller may retry the whole run later.
var ErrPoolExhausted = errors.New("sqlitepool: no connection available within timeout")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("sqlitepool: pool is closed")

// Pool is a fixed-capacity pool of reusable SQLite connections.
type Pool struct {
	path string
	size int
	log  zerolog.Logger

	free chan *sqlite3.Conn

	mu     sync.Mutex
	active int
	closed bool
}

// New opens a pool of size connections against the database at path,
// creating the parent directory and the database file as needed.
func New(path string, size int, log zerolog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("sqlitepool: invalid pool size %d", size)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	p := &Pool{
		path: path,
		size: size,
		log:  log.With().Str("component", "sqlitepool").Logger(),
		free: make(chan *sqlite3.Conn, size),
	}

	// Pre-warm: open every connection up front so the first sync run
	// does not pay connection setup cost mid-pipeline.
	for i := 0; i < size; i++ {
		conn, err := p.open()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.free <- conn
		p.mu.Lock()
		p.active++
		p.mu.Unlock()
	}

	p.log.Debug().Int("size", size).Str("path", path).Msg("pool initialized")
	return p, nil
}

// open creates one connection with the pool's durability settings.
func (p *Pool) open() (*sqlite3.Conn, error) {
	conn, err := sqlite3.Open("file:" + p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", p.path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return conn, nil
}

// Acquire pops a connection from the pool.
//
// If the free list is empty and the count of outstanding connections is
// below capacity, one additional connection is opened. Otherwise Acquire
// blocks until a connection is released or timeout elapses, in which case
// it fails with ErrPoolExhausted.
//
// Every Acquire must be paired with Release on all exit paths; prefer
// With for scoped use.
func (p *Pool) Acquire(timeout time.Duration) (*sqlite3.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case conn := <-p.free:
		return p.checkout(conn)
	default:
	}

	// Free list is empty: grow up to capacity before blocking.
	p.mu.Lock()
	if p.active < p.size && !p.closed {
		conn, err := p.open()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.active++
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-p.free:
		return p.checkout(conn)
	case <-timer.C:
		return nil, ErrPoolExhausted
	}
}

// checkout probes a pooled connection before handing it out. A dead
// connection is discarded and replaced.
func (p *Pool) checkout(conn *sqlite3.Conn) (*sqlite3.Conn, error) {
	if err := probe(conn); err != nil {
		p.log.Warn().Err(err).Msg("stale connection detected, replacing")
		_ = conn.Close()

		fresh, err := p.open()
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return nil, err
		}
		return fresh, nil
	}
	return conn, nil
}

// Release returns a connection to the pool.
//
// The connection is probed first; a dead connection is closed and the
// active count decremented instead of being reused.
func (p *Pool) Release(conn *sqlite3.Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.discard(conn)
		return
	}

	if err := probe(conn); err != nil {
		p.log.Warn().Err(err).Msg("discarding dead connection on release")
		p.discard(conn)
		return
	}

	select {
	case p.free <- conn:
	default:
		// Free list full (can happen after a replacement open raced a
		// release); close the surplus connection.
		p.discard(conn)
	}
}

func (p *Pool) discard(conn *sqlite3.Conn) {
	_ = conn.Close()
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	p.mu.Unlock()
}

// With acquires a connection, runs fn, and releases the connection on
// every exit path.
func (p *Pool) With(timeout time.Duration, fn func(conn *sqlite3.Conn) error) error {
	conn, err := p.Acquire(timeout)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Close drains the free list, closing every connection. Used at process
// shutdown only; outstanding connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for {
		select {
		case conn := <-p.free:
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			p.mu.Lock()
			if p.active > 0 {
				p.active--
			}
			p.mu.Unlock()
		default:
			p.log.Debug().Msg("pool closed")
			return firstErr
		}
	}
}

// Stats reports the pool's current occupancy.
type Stats struct {
	Size      int
	Active    int
	Available int
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Active:    p.active,
		Available: len(p.free),
	}
}

// probe issues a trivial liveness query.
func probe(conn *sqlite3.Conn) error {
	return conn.Exec("SELECT 1")
}
