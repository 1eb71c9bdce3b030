package sqlgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Dialect selects the SQL flavor a statement is generated in.
type Dialect int

const (
	Postgres Dialect = iota
	ClickHouse
)

func (d Dialect) String() string {
	if d == ClickHouse {
		return "clickhouse"
	}
	return "postgres"
}

func (d Dialect) placeholder(n int) string {
	if d == ClickHouse {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

func (d Dialect) quote(ident string) string {
	if d == ClickHouse {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return pgx.Identifier{ident}.Sanitize()
}

// timeBucket floors column to the start of its bucket.
func (d Dialect) timeBucket(width time.Duration, column string) string {
	secs := int64(width / time.Second)
	if d == ClickHouse {
		return fmt.Sprintf("toStartOfInterval(%s, INTERVAL %d second)", column, secs)
	}
	return fmt.Sprintf("time_bucket('%d seconds'::interval, %s)", secs, column)
}

// rowCompare compares cols lexicographically against the placeholders in ps.
func (d Dialect) rowCompare(cols []string, op string, ps []string) string {
	if len(cols) == 1 {
		return fmt.Sprintf("%s %s %s", cols[0], op, ps[0])
	}
	lhs, rhs := strings.Join(cols, ", "), strings.Join(ps, ", ")
	if d == ClickHouse {
		return fmt.Sprintf("tuple(%s) %s tuple(%s)", lhs, op, rhs)
	}
	return fmt.Sprintf("(%s) %s (%s)", lhs, op, rhs)
}

func (d Dialect) arrayHas(column, p string) string {
	if d == ClickHouse {
		return fmt.Sprintf("has(%s, %s)", column, p)
	}
	return fmt.Sprintf("%s = ANY(%s)", p, column)
}

func (d Dialect) arrayHasAny(column string, ps []string) string {
	if d == ClickHouse {
		return fmt.Sprintf("hasAny(%s, [%s])", column, strings.Join(ps, ", "))
	}
	return fmt.Sprintf("%s && ARRAY[%s]::text[]", column, strings.Join(ps, ", "))
}
