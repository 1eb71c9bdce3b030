package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/cursor"
	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/parser"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

const (
	TenantHeader    = "X-Tenant"
	PartitionHeader = "X-Partition"
)

// QueryRequest is the body of /api/query and /api/translate. Limit, Cursor and Direction
// override the corresponding clauses in Query.
type QueryRequest struct {
	Query     string `json:"query"`
	Limit     *int   `json:"limit,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Direction string `json:"direction,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	// Position is the byte offset of a parse error.
	Position *int `json:"position,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}

func scopeFrom(r *http.Request) scope.Scope {
	return scope.Scope{
		Tenant:    strings.TrimSpace(r.Header.Get(TenantHeader)),
		Partition: strings.TrimSpace(r.Header.Get(PartitionHeader)),
	}
}

// decodeQueryRequest reads and validates a query body. It writes the error response itself
// and returns false on failure.
func (s *Server) decodeQueryRequest(w http.ResponseWriter, r *http.Request) (QueryRequest, planner.Request, bool) {
	var body QueryRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return body, planner.Request{}, false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return body, planner.Request{}, false
	}
	if strings.TrimSpace(body.Query) == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required")
		return body, planner.Request{}, false
	}
	dir, err := cursor.ParseDirection(body.Direction)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return body, planner.Request{}, false
	}
	return body, planner.Request{Limit: body.Limit, Cursor: body.Cursor, Direction: dir}, true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, req, ok := s.decodeQueryRequest(w, r)
	if !ok {
		return
	}
	sc := scopeFrom(r)
	resp, err := s.engine.Execute(r.Context(), sc, body.Query, req)
	if err != nil {
		s.writeQueryError(w, sc, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	body, req, ok := s.decodeQueryRequest(w, r)
	if !ok {
		return
	}
	sc := scopeFrom(r)
	t, err := s.engine.Translate(sc, body.Query, req)
	if err != nil {
		s.writeQueryError(w, sc, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleNeighborhood(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seed := strings.TrimSpace(q.Get("seed"))
	if seed == "" {
		seed = strings.TrimSpace(q.Get("device_id"))
	}
	if seed == "" {
		writeJSONError(w, http.StatusBadRequest, "seed is required")
		return
	}

	opts := neighborhood.DefaultOptions()
	for name, dst := range map[string]*bool{
		"collector_owned_only": &opts.CollectorOwnedOnly,
		"include_topology":     &opts.IncludeTopology,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = b
	}

	sc := scopeFrom(r)
	row, err := s.engine.Neighborhood(r.Context(), sc, seed, opts)
	if err != nil {
		s.writeQueryError(w, sc, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type entitySummary struct {
	Name         string            `json:"name"`
	Aliases      []string          `json:"aliases,omitempty"`
	Store        catalog.Store     `json:"store"`
	View         catalog.View      `json:"view,omitempty"`
	Fields       []catalog.Field   `json:"fields,omitempty"`
	FieldAliases map[string]string `json:"field_aliases,omitempty"`
	DefaultSort  string            `json:"default_sort,omitempty"`
	Key          []string          `json:"key,omitempty"`
	Rollups      []rollupSummary   `json:"rollups,omitempty"`
}

type rollupSummary struct {
	Kind       string   `json:"kind"`
	Group      []string `json:"group"`
	Aggregates []string `json:"aggregates"`
}

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	entities := s.engine.Catalog().Entities()
	out := make([]entitySummary, 0, len(entities))
	for _, e := range entities {
		sum := entitySummary{
			Name:         e.Name,
			Aliases:      e.Aliases,
			Store:        e.Store,
			View:         e.View,
			Fields:       e.Fields,
			FieldAliases: e.FieldAliases,
			DefaultSort:  e.DefaultSort,
			Key:          e.Key,
		}
		for _, ru := range e.Rollups {
			rs := rollupSummary{Kind: ru.Kind, Group: ru.Group}
			for _, a := range ru.Aggregates {
				rs.Aggregates = append(rs.Aggregates, a.Name)
			}
			sum.Rollups = append(sum.Rollups, rs)
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": out})
}

// writeQueryError maps engine errors onto status codes. Backend causes are logged, never
// echoed to the client.
func (s *Server) writeQueryError(w http.ResponseWriter, sc scope.Scope, err error) {
	var (
		pe *parser.ParseError
		le *planner.PlanError
		ce *cursor.Error
		be *store.BackendError
	)
	switch {
	case errors.As(err, &pe):
		pos := pe.Pos
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: pe.Error(), Code: http.StatusBadRequest, Position: &pos})
	case errors.As(err, &le), errors.As(err, &ce):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, neighborhood.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "no neighborhood found for seed")
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("query timed out", "scope", sc.String(), "error", err)
		writeJSONError(w, http.StatusGatewayTimeout, "query timed out")
	case errors.As(err, &be):
		s.log.Error("backend query failed", "scope", sc.String(), "store", be.Store, "op", be.Op, "error", be.Err)
		writeJSONError(w, http.StatusBadGateway, "backend query failed")
	default:
		s.log.Error("query failed", "scope", sc.String(), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
