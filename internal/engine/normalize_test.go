package engine

import (
	"math"
	"math/big"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/srql/internal/store"
)

func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	when := time.Date(2025, 3, 10, 16, 30, 0, 5, time.FixedZone("CET", 3600))
	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "nil", in: nil, want: nil},
		{name: "string", in: "x", want: "x"},
		{name: "int64", in: int64(7), want: int64(7)},
		{name: "float32", in: float32(1.5), want: float64(1.5)},
		{name: "time in UTC", in: when, want: "2025-03-10T15:30:00.000000005Z"},
		{name: "nil time pointer", in: (*time.Time)(nil), want: nil},
		{name: "duration", in: 90 * time.Second, want: "1m30s"},
		{name: "utf8 bytes", in: []byte("hello"), want: "hello"},
		{name: "binary bytes", in: []byte{0xff, 0x00}, want: "ff00"},
		{name: "uuid", in: [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 1, 2, 3, 4, 5, 6, 7, 8}, want: "12345678-9abc-def0-0102-030405060708"},
		{name: "numeric", in: pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}, want: 12.34},
		{name: "null numeric", in: pgtype.Numeric{}, want: nil},
		{name: "interval", in: pgtype.Interval{Microseconds: 1_500_000, Valid: true}, want: "1.5s"},
		{name: "interval with days", in: pgtype.Interval{Days: 2, Valid: true}, want: "2 days 0s"},
		{name: "host prefix", in: netip.MustParsePrefix("10.0.0.1/32"), want: "10.0.0.1"},
		{name: "network prefix", in: netip.MustParsePrefix("10.0.0.0/8"), want: "10.0.0.0/8"},
		{name: "net.IP", in: net.ParseIP("192.0.2.1"), want: "192.0.2.1"},
		{name: "nested", in: map[string]any{"a": []any{when, 1}}, want: map[string]any{"a": []any{"2025-03-10T15:30:00.000000005Z", 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeValue(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeValue_Errors(t *testing.T) {
	t.Parallel()

	for _, v := range []any{math.NaN(), math.Inf(1), []any{math.Inf(-1)}, struct{}{}, make(chan int)} {
		_, err := normalizeValue(v)
		require.Error(t, err, "%T", v)
	}
}

func TestNormalizer_SkipsMalformedRows(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(testLogger())
	got := n.Normalize("cpu_metrics", &store.Result{
		Columns: []string{"host_id", "usage_percent"},
		Rows: [][]any{
			{"h1", 12.5},
			{"h2", math.NaN()},
			{"h3"},
			{"h4", float32(50)},
		},
	})
	require.Equal(t, []map[string]any{
		{"host_id": "h1", "usage_percent": 12.5},
		{"host_id": "h4", "usage_percent": float64(50)},
	}, got)
}

func TestCursorValue(t *testing.T) {
	t.Parallel()

	when := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	require.Equal(t, when, cursorValue(&when))
	require.Nil(t, cursorValue((*time.Time)(nil)))
	require.Equal(t, "abc", cursorValue([]byte("abc")))
	require.Equal(t, 12.34, cursorValue(pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}))
	require.Equal(t, "10.0.0.1", cursorValue(netip.MustParseAddr("10.0.0.1")))
	require.Equal(t, int64(5), cursorValue(int64(5)))
	id := uuid.MustParse("12345678-9abc-def0-0102-030405060708")
	require.Equal(t, id.String(), cursorValue(id))
}
