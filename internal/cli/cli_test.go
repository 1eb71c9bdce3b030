package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_Parse(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "parse", "in:devices", "hostname:%cam%", "!status:down", "limit:5")
	require.NoError(t, err)
	require.Equal(t, "in:devices hostname:%cam% !status:down limit:5\n", out)

	out, err = execute(t, "parse", "--clauses", "in:devices !status:down")
	require.NoError(t, err)
	require.Contains(t, out, "filter (negated)")
	require.Contains(t, out, "!status:down")

	_, err = execute(t, "parse", "in:devices limit:ten")
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse error at position 17")
}

func TestCLI_Translate(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "translate", `in:pollers poller_id:"x"`)
	require.NoError(t, err)
	require.Contains(t, out, "-- relational pollers on postgres")
	require.Contains(t, out, `"poller_id" ILIKE '%x%'`)

	out, err = execute(t, "translate", "--json", `in:pollers poller_id:"x"`)
	require.NoError(t, err)
	var tr map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tr))
	require.Equal(t, "pollers", tr["entity"])
	require.Equal(t, []any{"%x%"}, tr["params"])

	_, err = execute(t, "translate", "in:nowhere")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown entity")
}

func TestCLI_Query(t *testing.T) {
	t.Parallel()

	var got queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/query", r.URL.Path)
		require.Equal(t, "acme", r.Header.Get("X-Tenant"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"results":[{"poller_id":"p1","is_healthy":true},{"poller_id":"p2","agent_count":3}],`+
			`"pagination":{"prev_cursor":null,"next_cursor":"tok-2","limit":2}}`)
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "query", "--url", srv.URL, "--tenant", "acme", "--limit", "2", "in:pollers")
	require.NoError(t, err)
	require.Equal(t, "in:pollers", got.Query)
	require.NotNil(t, got.Limit)
	require.Equal(t, 2, *got.Limit)
	require.Contains(t, out, "agent_count")
	require.Contains(t, out, "p1")
	require.Contains(t, out, "p2")
	require.Contains(t, out, "2 rows (limit 2)")
	require.Contains(t, out, "next: tok-2")
	require.NotContains(t, out, "prev:")
}

func TestCLI_Query_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"parse error at position 17: invalid limit","code":400,"position":17}`)
	}))
	t.Cleanup(srv.Close)

	_, err := execute(t, "query", "--url", srv.URL, "in:devices limit:ten")
	require.Error(t, err)
	require.Contains(t, err.Error(), "server returned 400: parse error at position 17")
}

func TestCLI_FormatCell(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "x", "x"},
		{"number", float64(3), "3"},
		{"bool", true, "true"},
		{"object", map[string]any{"a": float64(1)}, `{"a":1}`},
		{"array", []any{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, formatCell(tt.in))
		})
	}
}
