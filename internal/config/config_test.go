package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		HTTPListenAddr: ":7000",
		Postgres:       PostgresConfig{DSN: "postgres://file"},
	}
	err := cfg.LoadFromEnv(envMap(map[string]string{
		"DATABASE_URL":            "postgres://env",
		"SRQL_DEFAULT_LIMIT":      "50",
		"SRQL_QUERY_TIMEOUT":      "5s",
		"SRQL_ALLOWED_ORIGINS":    "http://a, http://b,",
		"SRQL_ACCOUNTS":           "alice:secret, bob:hunter2",
		"SRQL_POSTGRES_MAX_CONNS": "20",
		"CLICKHOUSE_ADDR":         "localhost:9000",
		"NEO4J_URI":               "bolt://localhost:7687",
		"NEO4J_DATABASE":          "",
	}))
	require.NoError(t, err)

	want := &Config{
		HTTPListenAddr: ":7000",
		AllowedOrigins: []string{"http://a", "http://b"},
		DefaultLimit:   50,
		QueryTimeout:   5 * time.Second,
		Accounts:       map[string]string{"alice": "secret", "bob": "hunter2"},
		Postgres:       PostgresConfig{DSN: "postgres://env", MaxConns: 20},
		ClickHouse:     ClickHouseConfig{Addr: "localhost:9000"},
		Neo4j:          Neo4jConfig{URI: "bolt://localhost:7687"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfig_LoadFromEnvPrefersSRQLDatabaseURL(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.NoError(t, cfg.LoadFromEnv(envMap(map[string]string{
		"SRQL_DATABASE_URL": "postgres://srql",
		"DATABASE_URL":      "postgres://generic",
	})))
	require.Equal(t, "postgres://srql", cfg.Postgres.DSN)
}

func TestConfig_LoadFromEnvErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	err := cfg.LoadFromEnv(envMap(map[string]string{
		"SRQL_MAX_LIMIT":     "lots",
		"SRQL_QUERY_TIMEOUT": "soon",
		"SRQL_ACCOUNTS":      "nopassword",
	}))
	require.ErrorContains(t, err, "SRQL_MAX_LIMIT")
	require.ErrorContains(t, err, "SRQL_QUERY_TIMEOUT")
	require.ErrorContains(t, err, "expected username:password")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "defaults", cfg: Config{Neo4j: Neo4jConfig{URI: "bolt://x"}}},
		{name: "no stores", cfg: Config{}, wantErr: "at least one of"},
		{
			name:    "default above max",
			cfg:     Config{DefaultLimit: 200, MaxLimit: 100, Postgres: PostgresConfig{DSN: "postgres://x"}},
			wantErr: "exceeds max_limit",
		},
		{
			name:    "negative limit",
			cfg:     Config{DefaultLimit: -1, Postgres: PostgresConfig{DSN: "postgres://x"}},
			wantErr: "positive",
		},
		{
			name:    "negative timeout",
			cfg:     Config{QueryTimeout: -time.Second, Postgres: PostgresConfig{DSN: "postgres://x"}},
			wantErr: "query_timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, DefaultHTTPListenAddr, tt.cfg.HTTPListenAddr)
			require.Equal(t, DefaultLimit, tt.cfg.DefaultLimit)
			require.Equal(t, DefaultMaxLimit, tt.cfg.MaxLimit)
			require.Equal(t, DefaultQueryTimeout, tt.cfg.QueryTimeout)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "srql.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_listen_addr: ":8181"
query_timeout: 15s
max_limit: 250
postgres:
  dsn: postgres://srql@localhost/serviceradar
neo4j:
  uri: bolt://neo4j:7687
  database: graph
`), 0o600))

	t.Setenv("SRQL_MAX_LIMIT", "")
	t.Setenv("SRQL_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NEO4J_DATABASE", "override")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8181", cfg.HTTPListenAddr)
	require.Equal(t, 15*time.Second, cfg.QueryTimeout)
	require.Equal(t, 250, cfg.MaxLimit)
	require.Equal(t, DefaultLimit, cfg.DefaultLimit)
	require.Equal(t, "postgres://srql@localhost/serviceradar", cfg.Postgres.DSN)
	require.Equal(t, "override", cfg.Neo4j.Database)
}

func TestParseAccounts(t *testing.T) {
	t.Parallel()

	got, err := ParseAccounts("a:1,, b : 2 ,c:")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2", "c": ""}, got)

	_, err = ParseAccounts(":pw")
	require.ErrorContains(t, err, "username cannot be empty")
}
