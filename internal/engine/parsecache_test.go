package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/srql/internal/parser"
	"github.com/carverauto/serviceradar/srql/internal/planner"
)

func TestParseCache(t *testing.T) {
	t.Parallel()

	c := newParseCache(2, time.Minute)

	q1, err := c.parse("in:devices limit:5")
	require.NoError(t, err)
	q2, err := c.parse("in:devices limit:5")
	require.NoError(t, err)
	require.Same(t, q1, q2)
	require.Equal(t, 1, c.len())

	_, err = c.parse("in:devices limit:ten")
	var pe *parser.ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 1, c.len())

	_, err = c.parse("in:pollers")
	require.NoError(t, err)
	_, err = c.parse("in:logs")
	require.NoError(t, err)
	require.Equal(t, 2, c.len())
}

func TestEngine_ParseCacheDisabled(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{ParseCacheSize: -1})
	require.Nil(t, e.parsed)

	_, err := e.Translate(testScope, "in:pollers", planner.Request{})
	require.NoError(t, err)
}
