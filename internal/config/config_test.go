package config

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/store"
)

const fileYAML = `
server:
  addr: ":9000"
  cors-origins: ["https://example.com"]
cache:
  backend: etcd
  etcd:
    endpoints: ["etcd-0:2379"]
authz:
  rules:
    - connection: Postgres_db_5432_app_userNamePassword
      identities: [alice, bob]
    - connection: "*"
      identities: [admin]
stores:
  relational:
    pool-eviction: 5m
  service:
    backends:
      - "people.PeopleService=people:50051"
`

func memFile(t *testing.T, name, content string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	return fs
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), "", nil)
	require.NoError(t, err)
	want := Server{Addr: ":8080", Timeout: 30 * time.Second, MaxBodyBytes: 32 << 20}
	if diff := cmp.Diff(want, cfg.Server, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, Executor{Concurrency: 8, GraphFetchBatchSize: 1000}, cfg.Executor)
	require.Equal(t, CacheMemory, cfg.Cache.Backend)
	require.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	require.Equal(t, "planexec", cfg.Otel.Service)
	require.True(t, cfg.Metrics.Enabled)
	require.Nil(t, cfg.Authz.Allow())
}

func TestFile(t *testing.T) {
	cfg, err := Load(memFile(t, "/etc/planexec.yaml", fileYAML), "/etc/planexec.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, []string{"https://example.com"}, cfg.Server.CORSOrigins)
	require.Equal(t, []string{"etcd-0:2379"}, cfg.Cache.Etcd.Endpoints)
	require.Equal(t, "/planexec/cache/", cfg.Cache.Etcd.Prefix)
	require.Equal(t, map[string][]string{
		"Postgres_db_5432_app_userNamePassword": {"alice", "bob"},
		"*":                                     {"admin"},
	}, cfg.Authz.Allow())

	var rel struct {
		PoolEviction time.Duration `mapstructure:"pool-eviction"`
		MaxOpenConns int           `mapstructure:"max-open-conns"`
	}
	require.NoError(t, store.DecodeSettings(cfg.Store("Relational"), &rel))
	require.Equal(t, 5*time.Minute, rel.PoolEviction)
	require.Equal(t, 10, rel.MaxOpenConns)

	var svc struct {
		Backends []string `mapstructure:"backends"`
	}
	require.NoError(t, store.DecodeSettings(cfg.Store("Service"), &svc))
	require.Equal(t, []string{"people.PeopleService=people:50051"}, svc.Backends)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.yaml", nil)
	require.ErrorContains(t, err, "/nope.yaml")
}

func TestPrecedence(t *testing.T) {
	fs := memFile(t, "/c.yaml", "server:\n  addr: \":9000\"\n  timeout: 5s\ncache:\n  size: 7\n")
	t.Setenv("PLANEXEC_SERVER_ADDR", ":9100")
	t.Setenv("PLANEXEC_CACHE_SIZE", "42")
	t.Setenv("PLANEXEC_EXECUTOR_GRAPH_FETCH_BATCH_SIZE", "50")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--config", "/c.yaml", "--server.addr", ":9200"}))

	cfg, err := Load(fs, "", flags)
	require.NoError(t, err)
	require.Equal(t, ":9200", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.Timeout)
	require.Equal(t, 42, cfg.Cache.Size)
	require.Equal(t, 50, cfg.Executor.GraphFetchBatchSize)
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"unknown backend": "cache:\n  backend: redis\n",
		"etcd endpoints":  "cache:\n  backend: etcd\n",
		"concurrency":     "executor:\n  concurrency: 0\n",
		"rule":            "authz:\n  rules:\n    - identities: [a]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(memFile(t, "/c.yaml", content), "/c.yaml", nil)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(Log{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown", "component", "test")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "test", line["component"])

	_, err = NewLogger(Log{Level: "loud"}, &buf)
	require.ErrorIs(t, err, ErrInvalid)
	_, err = NewLogger(Log{Level: "info", Format: "xml"}, &buf)
	require.ErrorIs(t, err, ErrInvalid)
}
