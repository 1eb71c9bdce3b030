package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/jeroenrinzema/psql-wire/pkg/buffer"
	"github.com/jeroenrinzema/psql-wire/pkg/types"
	"github.com/lib/pq/oid"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/cursor"
	"github.com/carverauto/serviceradar/srql/internal/parser"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
)

var (
	errBadCredentials = pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
	errTenantDenied   = pgerror.WithCode(errors.New("account may not access this tenant"), codes.InvalidAuthorizationSpecification)
)

// credential is one configured account. An account keyed "user@tenant" is pinned to that
// tenant; a bare "user" may open any tenant.
type credential struct {
	password string
	tenant   string
}

// authenticator checks wire logins and settles the session scope.
type authenticator struct {
	log   *slog.Logger
	users map[string][]credential
}

func newAuthenticator(log *slog.Logger, accounts map[string]string) *authenticator {
	a := &authenticator{log: log, users: make(map[string][]credential, len(accounts))}
	for key, password := range accounts {
		user, tenant, _ := strings.Cut(key, "@")
		a.users[user] = append(a.users[user], credential{password: password, tenant: tenant})
	}
	return a
}

func (a *authenticator) enabled() bool { return len(a.users) > 0 }

// authorize returns the scope the session runs under. A pinned account connecting to the
// default database is placed in its own tenant.
func (a *authenticator) authorize(user, password string, requested scope.Scope) (scope.Scope, error) {
	err := errBadCredentials
	for _, c := range a.users[user] {
		if subtle.ConstantTimeCompare([]byte(c.password), []byte(password)) != 1 {
			continue
		}
		switch {
		case c.tenant == "":
			return requested, nil
		case requested.IsZero():
			return scope.Scope{Tenant: c.tenant}, nil
		case requested.Tenant == c.tenant:
			return requested, nil
		}
		err = errTenantDenied
	}
	return scope.Scope{}, err
}

func (a *authenticator) strategy() wire.AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		requested := wireScope(ctx)
		user := wire.ClientParameters(ctx)[wire.ParamUsername]

		if !a.enabled() {
			a.log.Debug("postgres: authentication disabled, allowing connection", "scope", requested.String(), "username", user)
			return withSessionScope(ctx, requested), authOK(writer)
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(3) // authClearTextPassword = 3
		if err := writer.End(); err != nil {
			return ctx, err
		}
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, fmt.Errorf("unexpected password message type: %v", t)
		}
		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		sc, err := a.authorize(user, password, requested)
		if err != nil {
			a.log.Debug("postgres: authentication failed", "username", user, "scope", requested.String(), "error", err)
			if werr := wire.ErrorCode(writer, err); werr != nil {
				return ctx, werr
			}
			return ctx, err
		}
		a.log.Debug("postgres: authenticated", "username", user, "scope", sc.String())
		return withSessionScope(ctx, sc), authOK(writer)
	}
}

func authOK(writer *buffer.Writer) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(0) // authOK = 0
	return writer.End()
}

type sessionScopeKey struct{}

func withSessionScope(ctx context.Context, sc scope.Scope) context.Context {
	return context.WithValue(ctx, sessionScopeKey{}, sc)
}

// sessionScope returns the scope settled at login, falling back to the database name.
func sessionScope(ctx context.Context) scope.Scope {
	if sc, ok := ctx.Value(sessionScopeKey{}).(scope.Scope); ok {
		return sc
	}
	return wireScope(ctx)
}

// wireScope derives the tenant scope from the database name the client connected to.
// "tenant/partition" selects a partition; the default database names map to no tenant.
func wireScope(ctx context.Context) scope.Scope {
	db := strings.TrimSpace(wire.ClientParameters(ctx)[wire.ParamDatabase])
	switch db {
	case "", "srql", "postgres", "default":
		return scope.Scope{}
	}
	tenant, partition, _ := strings.Cut(db, "/")
	return scope.Scope{Tenant: tenant, Partition: partition}
}

// queryHandler runs SRQL text received over the PostgreSQL wire protocol.
func (s *Server) queryHandler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	s.log.Debug("incoming query", "query", query)

	text := strings.TrimSpace(query)
	text = strings.TrimSpace(strings.TrimRight(text, ";"))
	if text == "" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				return writer.Complete("")
			},
			wire.WithColumns(wire.Columns{}),
		)), nil
	}

	if strings.ToLower(strings.Join(strings.Fields(text), " ")) == "-- ping" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				if err := writer.Row([]any{"pong"}); err != nil {
					return err
				}
				return writer.Complete("SELECT 1")
			},
			wire.WithColumns(wire.Columns{{Name: "pong", Oid: pgtype.TextOID}}),
		)), nil
	}

	sc := sessionScope(ctx)

	// Planning first yields column metadata for relational plans before anything executes.
	var cols []planner.Column
	if t, err := s.engine.Translate(sc, text, planner.Request{}); err == nil {
		cols = t.Columns
	}

	resp, err := s.engine.Execute(ctx, sc, text, planner.Request{})
	if err != nil {
		return nil, s.wireError(sc, err)
	}

	if len(cols) == 0 {
		cols = columnsFromRows(resp.Results)
	}
	columns := make(wire.Columns, len(cols))
	for i, c := range cols {
		columns[i] = wire.Column{Name: c.Name, Oid: fieldTypeOID(c.Type)}
	}

	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
			for _, row := range resp.Results {
				values := make([]any, len(columns))
				for i, col := range columns {
					v, err := encodeValueForPostgreSQL(row[col.Name], col.Oid)
					if err != nil {
						return fmt.Errorf("failed to encode value for column %s: %w", col.Name, err)
					}
					values[i] = v
				}
				if err := writer.Row(values); err != nil {
					return err
				}
			}
			return writer.Complete(fmt.Sprintf("SELECT %d", len(resp.Results)))
		},
		wire.WithColumns(columns),
	)), nil
}

// wireError attaches a SQLSTATE to engine errors. Backend causes stay in the log.
func (s *Server) wireError(sc scope.Scope, err error) error {
	var (
		pe *parser.ParseError
		le *planner.PlanError
		ce *cursor.Error
	)
	switch {
	case errors.As(err, &pe):
		return pgerror.WithCode(err, codes.Syntax)
	case errors.As(err, &le), errors.As(err, &ce):
		return pgerror.WithCode(err, codes.InvalidParameterValue)
	case errors.Is(err, context.DeadlineExceeded):
		return pgerror.WithCode(errors.New("query timed out"), codes.QueryCanceled)
	}
	s.log.Error("postgres: query failed", "scope", sc.String(), "error", err)
	return pgerror.WithCode(errors.New("backend query failed"), codes.Internal)
}

// columnsFromRows names columns for results without plan metadata, such as graph rows.
func columnsFromRows(rows []map[string]any) []planner.Column {
	if len(rows) == 0 {
		return nil
	}
	names := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		names = append(names, k)
	}
	slices.Sort(names)
	cols := make([]planner.Column, len(names))
	for i, n := range names {
		cols[i] = planner.Column{Name: n, Type: catalog.TypeJSON}
	}
	return cols
}

func fieldTypeOID(t catalog.FieldType) oid.Oid {
	switch t {
	case catalog.TypeInt:
		return pgtype.Int8OID
	case catalog.TypeFloat:
		return pgtype.Float8OID
	case catalog.TypeBool:
		return pgtype.BoolOID
	case catalog.TypeTimestamp:
		return pgtype.TimestamptzOID
	case catalog.TypeJSON, catalog.TypeTextArray:
		return pgtype.JSONOID
	}
	return pgtype.TextOID
}

// encodeValueForPostgreSQL converts a normalized result value for the column's OID.
func encodeValueForPostgreSQL(val any, oidType oid.Oid) (any, error) {
	if val == nil {
		return nil, nil
	}

	switch oidType {
	case pgtype.BoolOID, pgtype.Int8OID, pgtype.Float8OID:
		return val, nil
	case pgtype.TimestamptzOID:
		if s, ok := val.(string); ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("failed to parse timestamp: %w", err)
			}
			return t, nil
		}
		return val, nil
	case pgtype.JSONOID:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encode json: %w", err)
		}
		return string(b), nil
	default:
		if s, ok := val.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", val), nil
	}
}
