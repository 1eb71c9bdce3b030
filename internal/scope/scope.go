// Package scope carries the caller's tenant/partition context through the query pipeline.
//
// The core never interprets a Scope; it is handed to the stores, which map it onto their own
// isolation mechanism (Postgres search_path, ClickHouse quota key, Neo4j database).
package scope

// Scope is the opaque tenant context of a single query.
type Scope struct {
	// Tenant identifies the tenant whose data the query may see. Empty means the default tenant.
	Tenant string
	// Partition optionally narrows the tenant to a partition.
	Partition string
}

// IsZero reports whether the scope carries no tenant information.
func (s Scope) IsZero() bool {
	return s.Tenant == "" && s.Partition == ""
}

// String renders the scope for logs.
func (s Scope) String() string {
	switch {
	case s.IsZero():
		return "default"
	case s.Partition == "":
		return s.Tenant
	default:
		return s.Tenant + "/" + s.Partition
	}
}
