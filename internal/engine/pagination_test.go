package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
	"github.com/carverauto/serviceradar/srql/internal/store/postgres"
)

// 3 timestamps x 4 pollers x 3 services. Every timestamp is shared by 12 rows and one in
// three messages is NULL.
const seedServiceStatus = `
	CREATE TABLE service_status (
		"timestamp" timestamptz NOT NULL,
		poller_id text NOT NULL,
		agent_id text,
		service_name text NOT NULL,
		service_type text,
		available boolean,
		message text,
		partition text,
		PRIMARY KEY ("timestamp", poller_id, service_name)
	);
	INSERT INTO service_status
	SELECT ts, 'poller-' || p, 'agent-1', 'svc-' || s, 'port', true,
		CASE WHEN s = 3 THEN NULL ELSE 'msg-' || (s % 2) END, 'default'
	FROM generate_series('2025-03-10 12:00:00+00'::timestamptz, '2025-03-10 12:02:00+00', '1 minute') AS ts,
		generate_series(1, 4) AS p,
		generate_series(1, 3) AS s;
`

const seededRows = 36

func TestEngine_PostgresPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("srql"),
		tcpostgres.WithUsername("srql"),
		tcpostgres.WithPassword("srql"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, seedServiceStatus)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	pg, err := postgres.New(ctx, postgres.Config{Logger: testLogger(), DSN: dsn})
	require.NoError(t, err)
	defer pg.Close()

	e := newTestEngine(t, Config{Stores: map[catalog.Store]store.Querier{catalog.StorePostgres: pg}})

	for _, query := range []string{
		"in:services",
		"in:services sort:timestamp:asc",
		"in:services sort:message:asc",
		"in:services sort:message:desc",
		"in:services sort:poller_id:desc",
	} {
		t.Run(query, func(t *testing.T) {
			pages := walkForward(t, e, query, 5)

			seen := make(map[string]int, seededRows)
			var messages []any
			for _, page := range pages {
				for _, row := range page {
					seen[rowKey(row)]++
					messages = append(messages, row["message"])
				}
			}
			require.Len(t, seen, seededRows, "every row appears")
			for k, n := range seen {
				require.Equal(t, 1, n, "row %s appears once", k)
			}

			// NULL messages order last in either direction.
			firstNull := len(messages)
			for i, m := range messages {
				if m == nil {
					firstNull = i
					break
				}
			}
			for _, m := range messages[firstNull:] {
				require.Nil(t, m)
			}

			walkBackward(t, e, query, 5, pages)
		})
	}
}

type page []map[string]any

func rowKey(row map[string]any) string {
	return fmt.Sprintf("%v/%v/%v", row["timestamp"], row["poller_id"], row["service_name"])
}

func pageKeys(p page) []string {
	out := make([]string, 0, len(p))
	for _, row := range p {
		out = append(out, rowKey(row))
	}
	return out
}

// walkForward follows next cursors from the first page to the last.
func walkForward(t *testing.T, e *Engine, query string, limit int) []page {
	t.Helper()
	var (
		pages []page
		token string
	)
	for {
		resp, err := e.Execute(context.Background(), scope.Scope{}, query, planner.Request{Limit: intPtr(limit), Cursor: token})
		require.NoError(t, err)
		require.LessOrEqual(t, len(resp.Results), limit)
		pages = append(pages, resp.Results)
		if resp.Pagination.NextCursor == nil {
			return pages
		}
		token = *resp.Pagination.NextCursor
		require.Less(t, len(pages), seededRows, "pagination does not terminate")
	}
}

// walkBackward re-reaches the last page, then follows previous cursors back to the first
// page and checks each page matches the forward walk.
func walkBackward(t *testing.T, e *Engine, query string, limit int, pages []page) {
	t.Helper()
	var (
		resp  *Response
		token string
		err   error
	)
	for range pages {
		resp, err = e.Execute(context.Background(), scope.Scope{}, query, planner.Request{Limit: intPtr(limit), Cursor: token})
		require.NoError(t, err)
		if resp.Pagination.NextCursor != nil {
			token = *resp.Pagination.NextCursor
		}
	}
	require.Equal(t, pageKeys(pages[len(pages)-1]), pageKeys(resp.Results))

	for i := len(pages) - 2; i >= 0; i-- {
		require.NotNil(t, resp.Pagination.PrevCursor, "page %d has a previous page", i+1)
		resp, err = e.Execute(context.Background(), scope.Scope{}, query, planner.Request{Limit: intPtr(limit), Cursor: *resp.Pagination.PrevCursor})
		require.NoError(t, err)
		require.Equal(t, pageKeys(pages[i]), pageKeys(resp.Results), "page %d", i)
	}
	require.Nil(t, resp.Pagination.PrevCursor, "first page has no previous page")
}
