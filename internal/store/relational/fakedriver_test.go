package relational

import (
	"database/sql"
	"database/sql/driver"
	"io"
	"strings"
	"sync"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/plan"
)

const fakeDriverName = "planexec-fake"

func init() { sql.Register(fakeDriverName, fakeDriver{}) }

// fakeResponder answers a query with columns and rows.
type fakeResponder func(query string, args []driver.Value) ([]string, [][]driver.Value, error)

type fakeStatement struct {
	Query string
	Args  []driver.Value
}

// fakeDB is shared by every connection opened with the same DSN.
type fakeDB struct {
	mu      sync.Mutex
	respond fakeResponder
	log     []fakeStatement
}

func (db *fakeDB) record(q string, args []driver.Value) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.log = append(db.log, fakeStatement{Query: q, Args: append([]driver.Value(nil), args...)})
}

func (db *fakeDB) statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.log))
	for i, s := range db.log {
		out[i] = s.Query
	}
	return out
}

var (
	fakeDBsMu sync.Mutex
	fakeDBs   = map[string]*fakeDB{}
)

func newFakeDB(dsn string, respond fakeResponder) *fakeDB {
	db := &fakeDB{respond: respond}
	fakeDBsMu.Lock()
	fakeDBs[dsn] = db
	fakeDBsMu.Unlock()
	return db
}

type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	fakeDBsMu.Lock()
	db := fakeDBs[dsn]
	fakeDBsMu.Unlock()
	if db == nil {
		db = newFakeDB(dsn, nil)
	}
	return &fakeConn{db: db}, nil
}

type fakeConn struct{ db *fakeDB }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{db: c.db, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeStmt struct {
	db    *fakeDB
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.db.record(s.query, args)
	return driver.RowsAffected(0), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	s.db.record(s.query, args)
	if s.db.respond == nil {
		return &fakeRows{}, nil
	}
	cols, rows, err := s.db.respond(s.query, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{cols: cols, rows: rows}, nil
}

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

// fakeCommands drives the fake driver. The DSN is the connection key so
// each test gets its own fakeDB.
type fakeCommands struct{}

const fakeDatabase plan.DatabaseType = "Fake"

func (fakeCommands) DatabaseType() plan.DatabaseType { return fakeDatabase }
func (fakeCommands) DriverName() string              { return fakeDriverName }
func (fakeCommands) BuildURL(c *plan.RelationalConnection, _ authz.Credential) (string, error) {
	return c.Key(), nil
}
func (fakeCommands) CreateTempTable(name string, columns []string) string {
	return "CREATE TEMP " + name + " (" + strings.Join(columns, ", ") + ")"
}
func (fakeCommands) DropTempTable(name string) string { return "DROP " + name }
func (fakeCommands) IngestionMethod() IngestionMethod { return IngestBatchInsert }
func (fakeCommands) Quote(ident string) string        { return ident }
func (fakeCommands) Placeholder(int) string           { return "?" }
