package relational

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/authz"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/reqctx"
	"github.com/hanpama/planexec/internal/result"
	"github.com/hanpama/planexec/internal/session"
	"github.com/hanpama/planexec/internal/state"
)

func fakeConnection(db string) plan.ConnectionRef {
	return plan.ConnectionRef{Connection: &plan.RelationalConnection{
		Type: fakeDatabase, Host: "localhost", Port: 1, Database: db,
	}}
}

func newTestExecutor(fs afero.Fs) *Executor {
	return New(WithCommands(fakeCommands{}), WithFs(fs), WithTempDir("/tmp/planexec"))
}

func newTestState(e *Executor) *state.ExecutionState {
	st := state.New(authz.NewIdentity("alice"), reqctx.New("session-1", ""))
	st.SetStoreState(e.NewState())
	return st
}

func TestQuery(t *testing.T) {
	conn := fakeConnection("people")
	db := newFakeDB(conn.Key(), func(q string, _ []driver.Value) ([]string, [][]driver.Value, error) {
		return []string{"id", "name"}, [][]driver.Value{{int64(5), []byte("Ann")}}, nil
	})

	e := newTestExecutor(afero.NewMemMapFs())
	defer e.Close()
	st := newTestState(e)
	st.BindConstant("id", 5)
	st.BindConstant("name", "O'Neil")

	n := &plan.RelationalNode{
		SQL:        "select id, name from person where id = ${id} or name = ${name}",
		Connection: conn,
		Columns:    []plan.SQLColumn{{Label: "id", DataType: "INTEGER"}, {Label: "name", DataType: "VARCHAR"}},
	}
	r, err := e.Execute(context.Background(), n, st, nil)
	require.NoError(t, err)

	objs, err := result.Objects(context.Background(), r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	want := []any{map[string]any{"id": int64(5), "name": "Ann"}}
	if diff := cmp.Diff(want, objs); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"select id, name from person where id = 5 or name = 'O''Neil'"}, db.statements())
	require.Equal(t, result.Builder{Kind: result.BuilderTDS, Columns: []result.Column{
		{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "VARCHAR"},
	}}, result.BuilderOf(r))
	require.Equal(t, []string{"DBPool_Fake_localhost_1_people_alice"}, e.Pools())
}

func TestQueryProducesRecordsForClassResults(t *testing.T) {
	conn := fakeConnection("firms")
	newFakeDB(conn.Key(), func(string, []driver.Value) ([]string, [][]driver.Value, error) {
		return []string{"legalName"}, [][]driver.Value{{"Acme"}}, nil
	})
	e := newTestExecutor(afero.NewMemMapFs())
	defer e.Close()

	n := &plan.RelationalNode{SQL: "select legalName from firm", Connection: conn}
	n.ResultType = plan.ResultType{Kind: "class", Class: "model::Firm"}
	r, err := e.Execute(context.Background(), n, newTestState(e), nil)
	require.NoError(t, err)
	defer r.Close()

	objs, err := result.Objects(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, []any{graphfetch.NewRecord("model::Firm", map[string]any{"legalName": "Acme"})}, objs)
}

func TestMissingParameter(t *testing.T) {
	e := newTestExecutor(afero.NewMemMapFs())
	defer e.Close()
	n := &plan.RelationalNode{SQL: "select ${x}", Connection: fakeConnection("missing")}
	_, err := e.Execute(context.Background(), n, newTestState(e), nil)
	require.ErrorIs(t, err, ErrMissingParameter)
}

func TestUnsupportedDatabaseType(t *testing.T) {
	e := newTestExecutor(afero.NewMemMapFs())
	n := &plan.RelationalNode{SQL: "select 1", Connection: plan.ConnectionRef{Connection: &plan.RelationalConnection{Type: "Oracle"}}}
	_, err := e.Execute(context.Background(), n, newTestState(e), nil)
	require.ErrorContains(t, err, `unsupported database type "Oracle"`)
}

func TestTempTableFetch(t *testing.T) {
	conn := fakeConnection("temp")
	db := newFakeDB(conn.Key(), func(q string, _ []driver.Value) ([]string, [][]driver.Value, error) {
		return []string{"firmId", "name"}, [][]driver.Value{{"1", "Ann"}, {"2", "Bob"}}, nil
	})
	fs := afero.NewMemMapFs()
	e := newTestExecutor(fs)
	defer e.Close()
	st := newTestState(e)
	st.BindConstant(graphfetch.ParentKeysBinding, []any{
		map[string]any{"firmId": 1},
		map[string]any{"firmId": 2},
	})

	n := &plan.RelationalTempTableFetchNode{
		SQL:           "select p.* from person p join tt on p.firmId = tt.firmId",
		TempTableName: "tt",
		KeyColumns:    []string{"firmId"},
		Connection:    conn,
		Class:         "model::Person",
	}
	r, err := e.Execute(context.Background(), n, st, nil)
	require.NoError(t, err)

	objs, err := result.Objects(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "Bob", objs[1].(*graphfetch.Record).Get("name"))

	files, err := afero.ReadDir(fs, "/tmp/planexec")
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, r.Close())
	require.Equal(t, []string{
		"CREATE TEMP tt (firmId)",
		"INSERT INTO tt (firmId) VALUES (?), (?)",
		"select p.* from person p join tt on p.firmId = tt.firmId",
		"DROP tt",
	}, db.statements())
	require.Equal(t, []driver.Value{"1", "2"}, db.log[1].Args)

	files, err = afero.ReadDir(fs, "/tmp/planexec")
	require.NoError(t, err)
	require.Empty(t, files)

	s, _ := st.StoreState(StoreType)
	require.Equal(t, []string{"tt"}, s.(*State).TempTables())
}

func TestStatementsRegisterWithSession(t *testing.T) {
	conn := fakeConnection("sessions")
	newFakeDB(conn.Key(), nil)
	e := newTestExecutor(afero.NewMemMapFs())
	defer e.Close()

	sessions := session.NewManager()
	sessions.Register()
	st := newTestState(e)
	st.Sessions = sessions

	r, err := e.Execute(context.Background(), &plan.RelationalNode{SQL: "select 1", Connection: conn}, st, nil)
	require.NoError(t, err)
	require.Len(t, sessions.Executables("session-1"), 1)

	require.Equal(t, 1, sessions.CancelSession("session-1"))
	require.NoError(t, r.Close())
	require.Empty(t, sessions.Executables("session-1"))
}

func TestCredentials(t *testing.T) {
	e := newTestExecutor(afero.NewMemMapFs())
	conn := &plan.RelationalConnection{
		Type: fakeDatabase, Host: "h", Port: 1, Database: "kerb",
		Authentication: plan.AuthStrategyRef{Strategy: &plan.DelegatedKerberosAuth{}},
	}
	_, err := e.Execute(context.Background(), &plan.RelationalNode{SQL: "select 1", Connection: plan.ConnectionRef{Connection: conn}}, newTestState(e), nil)
	require.ErrorIs(t, err, authz.ErrMissingCredential)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		values map[string]any
		want   string
	}{
		{"string escaping", "x = ${s}", map[string]any{"s": "it's"}, "x = 'it''s'"},
		{"list", "x in (${l})", map[string]any{"l": []any{1, "a"}}, "x in (1, 'a')"},
		{"empty list", "x in (${l})", map[string]any{"l": []any{}}, "x in (null)"},
		{"null and bool", "${n} ${b}", map[string]any{"n": nil, "b": true}, "null true"},
		{"float", "${f}", map[string]any{"f": 1.5}, "1.5"},
		{"untouched text", "select '$' from t", nil, "select '$' from t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.sql, tt.values)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := Render("${a} ${b}", map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrMissingParameter)
	require.True(t, strings.HasSuffix(err.Error(), ": b"))
}

func TestDatabaseCommands(t *testing.T) {
	cred := authz.PasswordCredential{User: "alice", Password: "pw"}

	t.Run("postgres", func(t *testing.T) {
		c := &plan.RelationalConnection{Type: plan.DatabasePostgres, Host: "db", Port: 5432, Database: "app"}
		u, err := Postgres{}.BuildURL(c, cred)
		require.NoError(t, err)
		require.Equal(t, "postgres://alice:pw@db:5432/app?sslmode=disable", u)
		require.Equal(t, `CREATE TEMPORARY TABLE "tt" ("a""b" TEXT)`, Postgres{}.CreateTempTable("tt", []string{`a"b`}))
		require.Equal(t, `DROP TABLE IF EXISTS "tt"`, Postgres{}.DropTempTable("tt"))
		require.Equal(t, "$2", Postgres{}.Placeholder(2))
		require.Equal(t, IngestCopy, Postgres{}.IngestionMethod())
	})

	t.Run("mysql", func(t *testing.T) {
		c := &plan.RelationalConnection{Type: plan.DatabaseMySQL, Host: "db", Port: 3306, Database: "app"}
		dsn, err := MySQL{}.BuildURL(c, cred)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(dsn, "alice:pw@tcp(db:3306)/app?"), dsn)
		require.Contains(t, dsn, "parseTime=true")
		require.Equal(t, "DROP TEMPORARY TABLE IF EXISTS `tt`", MySQL{}.DropTempTable("tt"))
		require.Equal(t, IngestBatchInsert, MySQL{}.IngestionMethod())
		require.Equal(t, IngestLocalInfile, MySQL{LocalInfile: true}.IngestionMethod())
	})

	t.Run("kerberos is rejected", func(t *testing.T) {
		c := &plan.RelationalConnection{Type: plan.DatabasePostgres}
		_, err := Postgres{}.BuildURL(c, authz.KerberosCredential{Principal: "p"})
		require.ErrorContains(t, err, "kerberos credentials are not supported")
	})
}
