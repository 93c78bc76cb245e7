// Package relational executes SQL nodes through database/sql. Vendors plug in
// through DatabaseCommands; postgres and mysql are built in.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/state"
	"github.com/hanpama/planexec/internal/store"
)

// StoreType is the registry name of this store.
const StoreType = "Relational"

func init() {
	store.Register(StoreType, func(env store.Env) (store.Executor, error) {
		var s Settings
		if err := store.DecodeSettings(env.Settings, &s); err != nil {
			return nil, err
		}
		return New(
			WithLogger(env.Logger),
			WithPoolEviction(s.PoolEviction),
			WithMaxOpenConns(s.MaxOpenConns),
			WithTempDir(s.TempDir),
			WithCommands(Postgres{}, MySQL{LocalInfile: s.MySQLLocalInfile}),
		), nil
	})
}

// Settings is the stores.relational configuration section.
type Settings struct {
	PoolEviction     time.Duration `mapstructure:"pool-eviction"`
	MaxOpenConns     int           `mapstructure:"max-open-conns"`
	TempDir          string        `mapstructure:"temp-dir"`
	MySQLLocalInfile bool          `mapstructure:"mysql-local-infile"`
}

// Options configures the relational executor.
//
// Defaults:
// - PoolEviction: 10m
// - MaxOpenConns: 10
// - TempDir:      os.TempDir()/planexec
// - Fs:           the OS filesystem
// - Commands:     Postgres and MySQL
type Options struct {
	PoolEviction time.Duration
	MaxOpenConns int
	TempDir      string
	Fs           afero.Fs
	Commands     []DatabaseCommands
	Logger       *slog.Logger
	// Open opens a database handle. It defaults to sql.Open.
	Open func(driver, dsn string) (*sql.DB, error)
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		PoolEviction: 10 * time.Minute,
		MaxOpenConns: 10,
		TempDir:      path.Join(os.TempDir(), "planexec"),
		Fs:           afero.NewOsFs(),
		Commands:     []DatabaseCommands{Postgres{}, MySQL{}},
		Logger:       slog.Default(),
		Open:         sql.Open,
	}
}

func WithPoolEviction(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PoolEviction = d
		}
	}
}

func WithMaxOpenConns(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxOpenConns = n
		}
	}
}

func WithTempDir(dir string) Option {
	return func(o *Options) {
		if dir != "" {
			o.TempDir = dir
		}
	}
}

func WithFs(fs afero.Fs) Option { return func(o *Options) { o.Fs = fs } }

// WithCommands replaces the vendor commands.
func WithCommands(cmds ...DatabaseCommands) Option {
	return func(o *Options) { o.Commands = cmds }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func WithOpen(open func(driver, dsn string) (*sql.DB, error)) Option {
	return func(o *Options) { o.Open = open }
}

// Executor runs relational nodes. Database handles are pooled per
// connection and identity.
type Executor struct {
	opts     *Options
	commands map[plan.DatabaseType]DatabaseCommands
	pools    *store.PoolManager[*sql.DB]
	logger   *slog.Logger
}

func New(opts ...Option) *Executor {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	e := &Executor{
		opts:     o,
		commands: map[plan.DatabaseType]DatabaseCommands{},
		logger:   o.Logger.With("component", "store.relational"),
	}
	for _, c := range o.Commands {
		e.commands[c.DatabaseType()] = c
	}
	e.pools = store.NewPoolManager[*sql.DB](o.PoolEviction, e.logger)
	return e
}

var (
	_ store.Executor        = (*Executor)(nil)
	_ store.ConnectionKeyer = (*Executor)(nil)
)

func (e *Executor) StoreType() string { return StoreType }

func (e *Executor) Kinds() []plan.NodeKind {
	return []plan.NodeKind{plan.KindRelational, plan.KindRelationalTempTableFetch}
}

// State tracks the temp tables created by one request.
type State struct {
	tempTables *[]string
}

func (e *Executor) NewState() state.StoreState { return &State{tempTables: new([]string)} }

func (*State) StoreType() string { return StoreType }

// Copy shares the temp table list; branches of one request see each
// other's tables.
func (s *State) Copy() state.StoreState { return s }

// TempTables lists the temp tables created so far.
func (s *State) TempTables() []string { return append([]string(nil), (*s.tempTables)...) }

// Pools exposes the pool names, for diagnostics.
func (e *Executor) Pools() []string { return e.pools.Names() }

func (e *Executor) Close() error { return e.pools.Close() }

func (e *Executor) ConnectionKey(n plan.Node) string {
	if c, err := connectionOf(n); err == nil {
		return c.Key()
	}
	return ""
}

func connectionOf(n plan.Node) (*plan.RelationalConnection, error) {
	var ref plan.ConnectionRef
	switch t := n.(type) {
	case *plan.RelationalNode:
		ref = t.Connection
	case *plan.RelationalTempTableFetchNode:
		ref = t.Connection
	default:
		return nil, fmt.Errorf("relational: unexpected node %s", n.Kind())
	}
	c, ok := ref.Connection.(*plan.RelationalConnection)
	if !ok {
		return nil, fmt.Errorf("relational: node %s has no relational connection", n.Kind())
	}
	return c, nil
}

func (e *Executor) Execute(ctx context.Context, n plan.Node, st *state.ExecutionState, _ state.Runner) (result.Result, error) {
	conn, err := connectionOf(n)
	if err != nil {
		return nil, err
	}
	db, cmds, err := e.database(conn, st.Identity)
	if err != nil {
		return nil, err
	}
	switch t := n.(type) {
	case *plan.RelationalNode:
		return e.query(ctx, db, t, st)
	case *plan.RelationalTempTableFetchNode:
		return e.tempTableFetch(ctx, db, cmds, t, st)
	}
	return nil, fmt.Errorf("relational: unexpected node %s", n.Kind())
}

func (e *Executor) database(conn *plan.RelationalConnection, id *authz.Identity) (*sql.DB, DatabaseCommands, error) {
	cmds, ok := e.commands[conn.Type]
	if !ok {
		return nil, nil, fmt.Errorf("relational: unsupported database type %q", conn.Type)
	}
	cred, err := authz.CredentialFor(id, conn.Authentication.Strategy)
	if err != nil {
		return nil, nil, err
	}
	name := store.PoolName(conn.Key(), authz.NameOf(id))
	db, err := e.pools.Get(name, func() (*sql.DB, error) {
		dsn, err := cmds.BuildURL(conn, cred)
		if err != nil {
			return nil, err
		}
		db, err := e.opts.Open(cmds.DriverName(), dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		db.SetMaxOpenConns(e.opts.MaxOpenConns)
		return db, nil
	})
	return db, cmds, err
}

func columnsOf(n *plan.RelationalNode) []result.Column {
	out := make([]result.Column, len(n.Columns))
	for i, c := range n.Columns {
		out[i] = result.Column{Name: c.Label, Type: c.DataType}
	}
	return out
}

func (e *Executor) query(ctx context.Context, db *sql.DB, n *plan.RelationalNode, st *state.ExecutionState) (result.Result, error) {
	q, err := Render(n.SQL, st.Values())
	if err != nil {
		return nil, err
	}
	stmtCtx, release := store.CancelScope(ctx, st)
	e.logger.Debug("executing sql", "sql", q)
	rows, err := db.QueryContext(stmtCtx, q)
	if err != nil {
		release()
		return nil, fmt.Errorf("execute sql: %w", err)
	}
	it, err := newRowIterator(rows, n.ResultType.Class)
	if err != nil {
		rows.Close()
		release()
		return nil, err
	}
	return result.NewStreamingObjects(it, it.builder(columnsOf(n)), result.CloserFunc(func() error {
		release()
		return nil
	})), nil
}

func (e *Executor) tempTableFetch(ctx context.Context, db *sql.DB, cmds DatabaseCommands, n *plan.RelationalTempTableFetchNode, st *state.ExecutionState) (result.Result, error) {
	keys, _ := st.Value(graphfetch.ParentKeysBinding)
	tuples := graphfetch.ParentKeyTuples(keys)

	file, err := writeKeysFile(e.opts.Fs, e.opts.TempDir, n.TempTableName, n.KeyColumns, tuples)
	if err != nil {
		return nil, fmt.Errorf("write temp table keys: %w", err)
	}
	removeFile := result.CloserFunc(func() error { return e.opts.Fs.Remove(file) })

	conn, err := db.Conn(ctx)
	if err != nil {
		removeFile.Close()
		return nil, err
	}
	dropTable := result.CloserFunc(func() error {
		_, err := conn.ExecContext(context.Background(), cmds.DropTempTable(n.TempTableName))
		return err
	})
	// fail releases in reverse acquisition order.
	fail := func(err error) (result.Result, error) {
		dropTable.Close()
		conn.Close()
		removeFile.Close()
		return nil, err
	}

	if _, err := conn.ExecContext(ctx, cmds.CreateTempTable(n.TempTableName, n.KeyColumns)); err != nil {
		return fail(fmt.Errorf("create temp table %s: %w", n.TempTableName, err))
	}
	if s, ok := st.StoreState(StoreType); ok {
		ts := s.(*State)
		*ts.tempTables = append(*ts.tempTables, n.TempTableName)
	}
	if err := loadTempTable(ctx, conn, cmds, e.opts.Fs, file, n.TempTableName, n.KeyColumns); err != nil {
		return fail(fmt.Errorf("load temp table %s: %w", n.TempTableName, err))
	}

	q, err := Render(n.SQL, st.Values())
	if err != nil {
		return fail(err)
	}
	stmtCtx, release := store.CancelScope(ctx, st)
	rows, err := conn.QueryContext(stmtCtx, q)
	if err != nil {
		release()
		return fail(fmt.Errorf("execute sql: %w", err))
	}
	it, err := newRowIterator(rows, n.Class)
	if err != nil {
		rows.Close()
		release()
		return fail(err)
	}
	e.logger.Debug("temp table fetch", "table", n.TempTableName, "keys", len(tuples))
	return result.NewStreamingObjects(it, it.builder(nil),
		result.CloserFunc(func() error { release(); return nil }),
		dropTable,
		conn,
		removeFile,
	), nil
}
