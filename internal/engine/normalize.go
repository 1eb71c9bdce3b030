package engine

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/carverauto/serviceradar/srql/internal/metrics"
	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

// Normalizer converts store rows into JSON-friendly maps.
type Normalizer struct {
	log *slog.Logger
}

func NewNormalizer(log *slog.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Normalize converts every row of res. Rows that cannot be represented are skipped and
// counted.
func (n *Normalizer) Normalize(entity string, res *store.Result) []map[string]any {
	out := make([]map[string]any, 0, len(res.Rows))
	var skipped int
	for i, raw := range res.Rows {
		row, err := n.normalizeRow(res.Columns, raw)
		if err != nil {
			skipped++
			n.log.Debug("skipping malformed row", "entity", entity, "row", i, "error", err)
			continue
		}
		out = append(out, row)
	}
	if skipped > 0 {
		metrics.MalformedRows.WithLabelValues(entity).Add(float64(skipped))
		n.log.Warn("some rows could not be normalized", "entity", entity, "skipped_count", skipped)
	}
	return out
}

func (n *Normalizer) normalizeRow(columns []string, raw []any) (map[string]any, error) {
	if len(raw) != len(columns) {
		return nil, fmt.Errorf("row has %d values for %d columns", len(raw), len(columns))
	}
	row := make(map[string]any, len(columns))
	for i, col := range columns {
		v, err := normalizeValue(raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		row[col] = v
	}
	return row, nil
}

var errNotFinite = errors.New("value is not finite")

// normalizeValue maps driver types onto values encoding/json renders faithfully.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return x, nil
	case float32:
		return finite(float64(x))
	case float64:
		return finite(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.UTC().Format(time.RFC3339Nano), nil
	case time.Duration:
		return x.String(), nil
	case []byte:
		if utf8.Valid(x) {
			return string(x), nil
		}
		return hex.EncodeToString(x), nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	case pgtype.Numeric:
		if !x.Valid {
			return nil, nil
		}
		f, err := x.Float64Value()
		if err != nil {
			return nil, err
		}
		if !f.Valid {
			return nil, nil
		}
		return finite(f.Float64)
	case pgtype.Interval:
		if !x.Valid {
			return nil, nil
		}
		return intervalString(x), nil
	case netip.Prefix:
		if x.IsSingleIP() {
			return x.Addr().String(), nil
		}
		return x.String(), nil
	case netip.Addr:
		return x.String(), nil
	case net.IP:
		return x.String(), nil
	case net.HardwareAddr:
		return x.String(), nil
	case fmt.Stringer:
		return x.String(), nil
	case []string:
		return x, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			nv, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			nv, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errNotFinite
	}
	return f, nil
}

func intervalString(iv pgtype.Interval) string {
	d := time.Duration(iv.Microseconds) * time.Microsecond
	switch {
	case iv.Months != 0:
		return fmt.Sprintf("%d mons %d days %s", iv.Months, iv.Days, d)
	case iv.Days != 0:
		return fmt.Sprintf("%d days %s", iv.Days, d)
	}
	return d.String()
}

// cursorValue reduces a raw sort or tiebreak value to a type the cursor codec can carry.
// Times stay times so the seek predicate binds with the column's type.
func cursorValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if f, err := x.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case [16]byte:
		return uuid.UUID(x).String()
	case uuid.UUID:
		return x.String()
	case []byte:
		return string(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	case netip.Addr, netip.Prefix, net.IP:
		s, _ := normalizeValue(x)
		return s
	}
	return v
}

// neighborhoodRow shapes a resolved neighborhood into the single result row.
func neighborhoodRow(doc *neighborhood.Document) (map[string]any, error) {
	services := make([]any, 0, len(doc.Services))
	for _, s := range doc.Services {
		entry := map[string]any{
			"service":         s.Service,
			"collector_owned": s.CollectorOwned,
		}
		if s.CollectorID != "" {
			entry["collector_id"] = s.CollectorID
		}
		services = append(services, entry)
	}
	row := map[string]any{
		"tier":                 doc.Tier.String(),
		"device":               doc.Device,
		"collectors":           attrSlice(doc.Collectors),
		"services":             services,
		"targets":              attrSlice(doc.Targets),
		"interfaces":           attrSlice(doc.Interfaces),
		"peer_interfaces":      attrSlice(doc.PeerInterfaces),
		"device_capabilities":  attrSlice(doc.DeviceCapabilities),
		"service_capabilities": attrSlice(doc.ServiceCapabilities),
	}
	v, err := normalizeValue(row)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func attrSlice(items []map[string]any) []any {
	out := make([]any, len(items))
	for i, m := range items {
		out[i] = m
	}
	return out
}
