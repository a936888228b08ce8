// Package connection provides the bounded connection pool and transaction
// registry that sit under the save database.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taproom/savedb/pkg/dialects/sqlite"
	dberrors "github.com/taproom/savedb/pkg/errors"
)

// Dialer opens one raw connection. The default dialer draws connections from
// a *sqlx.DB opened on Config.Path.
type Dialer func(ctx context.Context) (*sqlx.Conn, error)

// Config configures the connection pool.
type Config struct {
	Path               string        // Database file
	MaxConnections     int           // Upper bound on idle + active connections
	AcquireTimeout     time.Duration // Max wait in the queue; 0 waits until ctx is done
	BusyTimeout        time.Duration // SQLite busy_timeout applied to every connection
	JournalMode        string        // Defaults to WAL
	Synchronous        string        // Defaults to NORMAL
	StatementCacheSize int           // Prepared statements kept per connection
	Dialer             Dialer        // Overrides how raw connections are opened
	Logger             *slog.Logger
}

// DefaultConfig returns sensible defaults for a pool over the given file.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		MaxConnections:     5,
		AcquireTimeout:     30 * time.Second,
		BusyTimeout:        5 * time.Second,
		StatementCacheSize: DefaultStatementCacheSize,
	}
}

func (c Config) validate() error {
	if c.MaxConnections < 1 {
		return dberrors.New(dberrors.ErrInvalidConfig, fmt.Sprintf("max connections must be at least 1, got %d", c.MaxConnections))
	}
	if c.Path == "" && c.Dialer == nil {
		return dberrors.New(dberrors.ErrInvalidConfig, "database path is required")
	}
	if c.AcquireTimeout < 0 || c.BusyTimeout < 0 {
		return dberrors.New(dberrors.ErrInvalidConfig, "timeouts must not be negative")
	}
	return nil
}

// ReleaseOutcome tells what Release did with a connection.
type ReleaseOutcome int

const (
	// Returned means the connection went back to the idle pool.
	Returned ReleaseOutcome = iota + 1
	// HandedToWaiter means the connection went straight to the oldest waiter.
	HandedToWaiter
	// RetainedByTransaction means the connection stays pinned to an open transaction.
	RetainedByTransaction
	// Discarded means the connection was torn down instead of reused.
	Discarded
	// Ignored means the caller did not hold the connection and nothing changed.
	Ignored
)

func (o ReleaseOutcome) String() string {
	switch o {
	case Returned:
		return "returned"
	case HandedToWaiter:
		return "handed-to-waiter"
	case RetainedByTransaction:
		return "retained-by-transaction"
	case Discarded:
		return "discarded"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of pool state.
type Stats struct {
	Initialized    bool  `json:"initialized"`
	MaxConnections int   `json:"maxConnections"`
	Idle           int   `json:"idle"`
	Active         int   `json:"active"`
	Waiting        int   `json:"waiting"`
	Transactions   int   `json:"transactions"`
	Created        int64 `json:"created"`
	Destroyed      int64 `json:"destroyed"`
	Acquired       int64 `json:"acquired"`
	Waited         int64 `json:"waited"`
	Timeouts       int64 `json:"timeouts"`
}

// Pool is a bounded pool of SQLite connections with transaction affinity.
//
// Invariants, all under mu: len(idle)+active <= MaxConnections; idle
// connections are never pinned; a pinned connection is reachable only through
// its transaction id; waiters are served in arrival order.
type Pool struct {
	cfg     Config
	dialect *sqlite.Dialect
	pragmas []string
	logger  *slog.Logger

	initMu sync.Mutex // serializes Initialize and Close

	mu          sync.Mutex
	initialized bool
	gen         uint64
	db          *sqlx.DB
	dial        Dialer
	idle        []*Conn
	active      int
	waiters     waiterQueue
	txs         map[TxID]*TxContext
	reserved    map[TxID]struct{} // ids of Begin calls still acquiring
	conns       map[*Conn]struct{}
	nextID      int64
	stats       Stats
}

// New creates a pool. No connection is opened until Initialize.
func New(cfg Config) (*Pool, error) {
	if cfg.StatementCacheSize <= 0 {
		cfg.StatementCacheSize = DefaultStatementCacheSize
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dialect := sqlite.New()
	return &Pool{
		cfg:     cfg,
		dialect: dialect,
		pragmas: dialect.Pragmas(sqlite.PragmaOptions{
			BusyTimeout: cfg.BusyTimeout,
			JournalMode: cfg.JournalMode,
			Synchronous: cfg.Synchronous,
		}),
		logger: logger,
		txs:      make(map[TxID]*TxContext),
		reserved: make(map[TxID]struct{}),
		conns:    make(map[*Conn]struct{}),
	}, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Initialize opens minSize connections. Calling it on an initialized pool is
// a no-op. If any connection fails, every connection opened so far is closed
// and the pool stays uninitialized.
func (p *Pool) Initialize(ctx context.Context, minSize int) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if initialized {
		return nil
	}

	if minSize < 0 || minSize > p.cfg.MaxConnections {
		return dberrors.New(dberrors.ErrInvalidConfig,
			fmt.Sprintf("min connections %d outside [0, %d]", minSize, p.cfg.MaxConnections))
	}

	var db *sqlx.DB
	dial := p.cfg.Dialer
	if dial == nil {
		var err error
		db, err = sqlx.Open(p.dialect.DriverName(), p.dialect.DSN(p.cfg.Path))
		if err != nil {
			return dberrors.NewConnectionError(err)
		}
		db.SetMaxOpenConns(p.cfg.MaxConnections)
		db.SetMaxIdleConns(p.cfg.MaxConnections)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
		dial = db.Connx
	}

	created := make([]*Conn, 0, minSize)
	for i := 0; i < minSize; i++ {
		c, err := p.open(ctx, dial)
		if err != nil {
			for _, c := range created {
				_ = c.close()
			}
			if db != nil {
				_ = db.Close()
			}
			p.logger.Error("sqlite pool initialization failed", "path", p.cfg.Path, "opened", len(created), "error", err)
			return dberrors.NewConnectionError(err)
		}
		created = append(created, c)
	}

	p.mu.Lock()
	p.gen++
	p.initialized = true
	p.db = db
	p.dial = dial
	for _, c := range created {
		c.gen = p.gen
		p.conns[c] = struct{}{}
	}
	p.idle = created
	p.stats.Created += int64(len(created))
	p.mu.Unlock()

	p.logger.Info("sqlite pool opened",
		"path", p.cfg.Path,
		"min_connections", minSize,
		"max_connections", p.cfg.MaxConnections,
	)
	return nil
}

// open creates one connection and applies the connection pragmas.
func (p *Pool) open(ctx context.Context, dial Dialer) (*Conn, error) {
	raw, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	for _, pragma := range p.pragmas {
		if _, err := raw.ExecContext(ctx, pragma); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	return newConn(id, raw, p.cfg.StatementCacheSize), nil
}

// Acquire returns a connection for exclusive use until Release.
//
// With a transaction id, the connection pinned to that transaction is
// returned immediately; the id must belong to an active transaction. Without
// one, an idle connection is reused, a new one is opened while under the
// bound, or the caller queues until a connection is released, ctx is done,
// or AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context, tx TxID) (*Conn, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, errPoolClosed()
	}

	if !tx.IsZero() {
		tc, ok := p.txs[tx]
		if !ok || tc.State != TxActive {
			p.mu.Unlock()
			return nil, dberrors.NewInvalidTransactionError(tx.String())
		}
		c := tc.conn
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ctx, cancel := p.acquireContext(ctx)
	defer cancel()

	p.mu.Lock()
	return p.acquireLocked(ctx, nil)
}

func (p *Pool) acquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.AcquireTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.AcquireTimeout)
}

// acquireLocked is called with mu held and returns with it released.
// A non-nil pin is registered against whichever connection is obtained.
func (p *Pool) acquireLocked(ctx context.Context, pin *TxContext) (*Conn, error) {
	if !p.initialized {
		p.mu.Unlock()
		return nil, errPoolClosed()
	}
	p.stats.Acquired++

	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.active++
		c.checkedOut = true
		p.pinLocked(c, pin)
		p.mu.Unlock()
		return c, nil
	}

	if p.active < p.cfg.MaxConnections {
		p.active++
		gen, dial := p.gen, p.dial
		p.mu.Unlock()

		c, err := p.open(ctx, dial)

		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			if c != nil {
				_ = c.close()
			}
			return nil, errPoolClosed()
		}
		if err != nil {
			p.active--
			p.replenishLocked()
			p.mu.Unlock()
			p.logger.Warn("failed to open connection", "error", err)
			return nil, dberrors.NewConnectionError(err)
		}
		c.gen = gen
		c.checkedOut = true
		p.conns[c] = struct{}{}
		p.stats.Created++
		p.pinLocked(c, pin)
		p.mu.Unlock()
		return c, nil
	}

	w := newWaiter(pin)
	elem := p.waiters.push(w)
	p.stats.Waited++
	p.mu.Unlock()

	select {
	case res := <-w.ready:
		return res.conn, res.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.served {
		// A result was delivered while ctx fired; it wins.
		p.mu.Unlock()
		res := <-w.ready
		return res.conn, res.err
	}
	p.waiters.remove(elem)
	p.stats.Timeouts++
	p.mu.Unlock()

	return nil, dberrors.Wrap(dberrors.ErrAcquireTimeout,
		fmt.Sprintf("no connection available after %s", time.Since(w.enqueuedAt).Round(time.Millisecond)),
		ctx.Err())
}

// Release gives a connection back.
//
// With a transaction id the connection was borrowed through Acquire(ctx, tx)
// and Release only ends the borrow: the connection stays with the
// transaction, or the call is Ignored once the transaction has finished,
// because Commit and Rollback already returned the connection. Without one,
// a connection pinned to an open transaction stays with it; otherwise it goes
// to the oldest waiter, or to the idle pool when nobody is waiting. Releasing
// a connection that is already idle is Ignored.
func (p *Pool) Release(c *Conn, tx TxID) ReleaseOutcome {
	if c == nil {
		return Discarded
	}

	p.mu.Lock()
	if !tx.IsZero() {
		outcome := Ignored
		if tc, ok := p.txs[tx]; ok && tc.conn == c {
			outcome = RetainedByTransaction
		}
		p.mu.Unlock()
		if outcome == Ignored {
			p.logger.Debug("connection released after its transaction finished", "conn", c.id, "tx", tx)
		}
		return outcome
	}
	if _, ok := p.conns[c]; ok && c.gen == p.gen && !c.checkedOut {
		p.mu.Unlock()
		return Ignored
	}
	outcome, teardown := p.releaseLocked(c)
	p.mu.Unlock()

	teardown()
	return outcome
}

// releaseLocked decides the fate of c. The returned teardown must run after
// mu is released.
func (p *Pool) releaseLocked(c *Conn) (ReleaseOutcome, func()) {
	if _, ok := p.conns[c]; !ok || c.gen != p.gen {
		// Belongs to a pool generation that has been closed.
		return Discarded, func() { _ = c.close() }
	}

	if !c.pinnedTo.IsZero() {
		if tc, ok := p.txs[c.pinnedTo]; ok && tc.conn == c {
			return RetainedByTransaction, func() {}
		}
		c.pinnedTo = NoTx
	}

	if !c.Alive() {
		delete(p.conns, c)
		c.checkedOut = false
		p.active--
		p.stats.Destroyed++
		p.replenishLocked()
		id := c.id
		return Discarded, func() {
			p.logger.Warn("discarded broken connection", "conn", id)
			_ = c.close()
		}
	}

	if w := p.waiters.pop(); w != nil {
		p.pinLocked(c, w.pin)
		w.deliver(acquireResult{conn: c})
		return HandedToWaiter, func() {}
	}

	c.checkedOut = false
	p.idle = append(p.idle, c)
	p.active--
	return Returned, func() {}
}

// replenishLocked uses a free slot to open a connection for the head waiter.
// Each attempt serves exactly one waiter, successful or not.
func (p *Pool) replenishLocked() {
	if !p.initialized || p.waiters.len() == 0 || p.active >= p.cfg.MaxConnections {
		return
	}
	w := p.waiters.pop()
	w.served = true
	p.active++
	go p.openFor(w, p.gen, p.dial)
}

func (p *Pool) openFor(w *waiter, gen uint64, dial Dialer) {
	c, err := p.open(context.Background(), dial)

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		if c != nil {
			go c.close()
		}
		w.ready <- acquireResult{err: errPoolClosed()}
		return
	}
	if err != nil {
		p.active--
		w.ready <- acquireResult{err: dberrors.NewConnectionError(err)}
		p.replenishLocked()
		return
	}

	c.gen = gen
	c.checkedOut = true
	p.conns[c] = struct{}{}
	p.stats.Created++
	p.pinLocked(c, w.pin)
	w.ready <- acquireResult{conn: c}
}

func (p *Pool) pinLocked(c *Conn, pin *TxContext) {
	if pin == nil {
		return
	}
	pin.conn = c
	c.pinnedTo = pin.ID
	p.txs[pin.ID] = pin
}

// Close tears down every connection, including those pinned to open
// transactions, fails all queued waiters and resets the pool so that
// Initialize can start it again. Open transactions are not committed.
func (p *Pool) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil
	}

	p.initialized = false
	p.gen++

	conns := make([]*Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	openTxs := len(p.txs)

	p.conns = make(map[*Conn]struct{})
	p.txs = make(map[TxID]*TxContext)
	p.idle = nil
	p.active = 0
	for w := p.waiters.pop(); w != nil; w = p.waiters.pop() {
		w.deliver(acquireResult{err: errPoolClosed()})
	}
	db := p.db
	p.db = nil
	p.dial = nil
	p.stats.Destroyed += int64(len(conns))
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	if openTxs > 0 {
		p.logger.Warn("sqlite pool closed with open transactions", "transactions", openTxs)
	}
	p.logger.Info("sqlite pool closed", "path", p.cfg.Path, "connections", len(conns))
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Initialized = p.initialized
	s.MaxConnections = p.cfg.MaxConnections
	s.Idle = len(p.idle)
	s.Active = p.active
	s.Waiting = p.waiters.len()
	s.Transactions = len(p.txs)
	return s
}

// Transactions lists the registered transactions, oldest first.
func (p *Pool) Transactions() []TxInfo {
	p.mu.Lock()
	infos := make([]TxInfo, 0, len(p.txs))
	for _, tc := range p.txs {
		info := TxInfo{ID: tc.ID, State: tc.State.String(), StartedAt: tc.StartedAt}
		if tc.conn != nil {
			info.ConnID = tc.conn.id
		}
		infos = append(infos, info)
	}
	p.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

func errPoolClosed() error {
	return dberrors.New(dberrors.ErrPoolClosed, "connection pool is not open")
}
