package relational

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/plan"
)

// IngestionMethod is how parent keys are loaded into a temp table.
type IngestionMethod string

const (
	// IngestCopy streams rows with the postgres COPY protocol.
	IngestCopy IngestionMethod = "COPY"
	// IngestBatchInsert issues multi-row INSERT statements.
	IngestBatchInsert IngestionMethod = "BATCH_INSERT"
	// IngestLocalInfile sends the CSV file with LOAD DATA LOCAL INFILE.
	IngestLocalInfile IngestionMethod = "LOCAL_INFILE"
)

// DatabaseCommands is the vendor boundary of the relational store.
type DatabaseCommands interface {
	DatabaseType() plan.DatabaseType
	DriverName() string
	// BuildURL returns the driver DSN for c. cred may be nil.
	BuildURL(c *plan.RelationalConnection, cred authz.Credential) (string, error)
	CreateTempTable(name string, columns []string) string
	DropTempTable(name string) string
	IngestionMethod() IngestionMethod
	Quote(ident string) string
	// Placeholder returns the bind marker for the n-th argument, from 1.
	Placeholder(n int) string
}

func userAndPassword(c *plan.RelationalConnection, cred authz.Credential) (string, string, error) {
	switch t := cred.(type) {
	case nil:
		return c.Options["user"], c.Options["password"], nil
	case authz.PasswordCredential:
		return t.User, t.Password, nil
	default:
		return "", "", fmt.Errorf("relational: %s credentials are not supported for %s", cred.CredentialKind(), c.Type)
	}
}

// extraOptions returns the connection options other than the credentials, in
// key order.
func extraOptions(c *plan.RelationalConnection) []string {
	var keys []string
	for k := range c.Options {
		if k != "user" && k != "password" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Postgres uses lib/pq.
type Postgres struct{}

func (Postgres) DatabaseType() plan.DatabaseType { return plan.DatabasePostgres }
func (Postgres) DriverName() string              { return "postgres" }

func (Postgres) BuildURL(c *plan.RelationalConnection, cred authz.Credential) (string, error) {
	user, password, err := userAndPassword(c, cred)
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	q := url.Values{}
	for _, k := range extraOptions(c) {
		q.Set(k, c.Options[k])
	}
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p Postgres) CreateTempTable(name string, columns []string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = p.Quote(c) + " TEXT"
	}
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (%s)", p.Quote(name), strings.Join(cols, ", "))
}

func (p Postgres) DropTempTable(name string) string {
	return "DROP TABLE IF EXISTS " + p.Quote(name)
}

func (Postgres) IngestionMethod() IngestionMethod { return IngestCopy }
func (Postgres) Quote(ident string) string        { return pq.QuoteIdentifier(ident) }
func (Postgres) Placeholder(n int) string         { return "$" + strconv.Itoa(n) }

// MySQL uses go-sql-driver/mysql. Ingestion defaults to batched inserts;
// LocalInfile switches to LOAD DATA LOCAL INFILE.
type MySQL struct {
	LocalInfile bool
}

func (MySQL) DatabaseType() plan.DatabaseType { return plan.DatabaseMySQL }
func (MySQL) DriverName() string              { return "mysql" }

func (MySQL) BuildURL(c *plan.RelationalConnection, cred authz.Credential) (string, error) {
	user, password, err := userAndPassword(c, cred)
	if err != nil {
		return "", err
	}
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	cfg.DBName = c.Database
	cfg.ParseTime = true
	for _, k := range extraOptions(c) {
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		cfg.Params[k] = c.Options[k]
	}
	return cfg.FormatDSN(), nil
}

func (m MySQL) CreateTempTable(name string, columns []string) string {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = m.Quote(c) + " VARCHAR(1024)"
	}
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (%s)", m.Quote(name), strings.Join(cols, ", "))
}

func (m MySQL) DropTempTable(name string) string {
	return "DROP TEMPORARY TABLE IF EXISTS " + m.Quote(name)
}

func (m MySQL) IngestionMethod() IngestionMethod {
	if m.LocalInfile {
		return IngestLocalInfile
	}
	return IngestBatchInsert
}

func (MySQL) Quote(ident string) string { return "`" + strings.ReplaceAll(ident, "`", "``") + "`" }
func (MySQL) Placeholder(int) string    { return "?" }
