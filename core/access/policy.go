package access

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/bastion/core"
)

// Policy is the per table rule deciding row visibility for end users
type Policy string

// all policies
const (
	// PolicySystemOnly tables are reachable by admins and admin scoped API keys only
	PolicySystemOnly Policy = "system_only"
	// PolicyOwnerScoped tables restrict end users to rows whose owner column holds their id
	PolicyOwnerScoped Policy = "owner_scoped"
	// PolicyTeamPublic tables are readable and writable by every authenticated end user
	PolicyTeamPublic Policy = "team_public"
)

// TableConfiguration is the static access configuration of one table
type TableConfiguration struct {
	Table       string `json:"table"`
	Policy      Policy `json:"policy"`
	OwnerColumn string `json:"owner_column,omitempty"`
	IDColumn    string `json:"id_column,omitempty"`
	SchemaID    string `json:"schema_id,omitempty"`
}

// Configuration is the JSON configuration of all tables exposed through /data
type Configuration struct {
	Tables []TableConfiguration `json:"tables"`
}

var identifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsIdentifier returns true if s is a plain SQL identifier
func IsIdentifier(s string) bool {
	return identifierRegexp.MatchString(s)
}

// IsInternalTable returns true for the bookkeeping tables of the service
// itself, like _registry_ or _api_key_. They are named with a leading
// underscore and can never be configured or served.
func IsInternalTable(name string) bool {
	return strings.HasPrefix(name, "_")
}

// Engine is the access policy engine. It is immutable after creation and all
// methods are pure.
type Engine struct {
	tables map[string]TableConfiguration
}

// ParseConfiguration creates an engine from a JSON configuration
func ParseConfiguration(data string) (*Engine, error) {
	var config Configuration
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &config); err != nil {
			return nil, fmt.Errorf("parse error in table configuration: %w", err)
		}
	}
	return NewEngine(config.Tables...)
}

// NewEngine creates an engine for the given tables
func NewEngine(tables ...TableConfiguration) (*Engine, error) {
	e := &Engine{tables: make(map[string]TableConfiguration, len(tables))}
	for _, t := range tables {
		if !IsIdentifier(t.Table) {
			return nil, fmt.Errorf("invalid table name '%s'", t.Table)
		}
		if IsInternalTable(t.Table) {
			return nil, fmt.Errorf("table name '%s' is reserved", t.Table)
		}
		if _, ok := e.tables[t.Table]; ok {
			return nil, fmt.Errorf("table '%s' configured twice", t.Table)
		}
		switch t.Policy {
		case PolicySystemOnly, PolicyTeamPublic:
		case PolicyOwnerScoped:
			if t.OwnerColumn == "" {
				return nil, fmt.Errorf("table '%s' is owner scoped but has no owner_column", t.Table)
			}
		default:
			return nil, fmt.Errorf("table '%s' has unknown policy '%s'", t.Table, t.Policy)
		}
		if t.OwnerColumn != "" && !IsIdentifier(t.OwnerColumn) {
			return nil, fmt.Errorf("table '%s' has invalid owner_column '%s'", t.Table, t.OwnerColumn)
		}
		if t.IDColumn == "" {
			t.IDColumn = "id"
		} else if !IsIdentifier(t.IDColumn) {
			return nil, fmt.Errorf("table '%s' has invalid id_column '%s'", t.Table, t.IDColumn)
		}
		e.tables[t.Table] = t
	}
	return e, nil
}

// Table returns the configuration of a table. Unknown tables resolve to a
// system only configuration and false.
func (e *Engine) Table(name string) (TableConfiguration, bool) {
	t, ok := e.tables[name]
	if !ok {
		return TableConfiguration{Table: name, Policy: PolicySystemOnly, IDColumn: "id"}, false
	}
	return t, true
}

// Tables returns all configured tables sorted by name
func (e *Engine) Tables() []TableConfiguration {
	tables := make([]TableConfiguration, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Table < tables[j].Table })
	return tables
}

// Authorize decides whether auth may perform action on table and returns the
// row filter to apply.
//
// Admins are unrestricted. API keys need data:<action>, or admin:<action> on
// system only tables, and bypass row ownership. End users are denied system
// only tables, restricted to their own rows on owner scoped tables and
// unrestricted on team public tables.
func (e *Engine) Authorize(auth AuthContext, table string, action core.Action) (RowFilter, error) {
	if auth == nil {
		return RowFilter{}, core.Errorf(core.KindUnauthenticated, "authentication required")
	}
	config, _ := e.Table(table)
	return Match(auth,
		func(Admin) authorization {
			return authorization{}
		},
		func(u EndUser) authorization {
			switch config.Policy {
			case PolicyOwnerScoped:
				return authorization{filter: RowFilter{Column: config.OwnerColumn, Value: u.UserID}}
			case PolicyTeamPublic:
				return authorization{}
			}
			return authorization{err: core.Errorf(core.KindForbidden, "table '%s' is not accessible", table)}
		},
		func(k APIKey) authorization {
			needed := NewScope(ResourceData, action)
			if config.Policy == PolicySystemOnly {
				needed = NewScope(ResourceAdmin, action)
			}
			if !k.HasScope(needed) {
				return authorization{err: core.Errorf(core.KindForbidden, "api key lacks scope %s", needed)}
			}
			return authorization{}
		},
	).result()
}

type authorization struct {
	filter RowFilter
	err    error
}

func (a authorization) result() (RowFilter, error) {
	return a.filter, a.err
}

// AuthorizeResource decides access to a non table resource (admin surfaces,
// table metadata). Admins always pass, API keys need <resource>:<action>,
// end users are denied.
func AuthorizeResource(auth AuthContext, resource Resource, action core.Action) error {
	if auth == nil {
		return core.Errorf(core.KindUnauthenticated, "authentication required")
	}
	return Match(auth,
		func(Admin) error { return nil },
		func(EndUser) error {
			return core.Errorf(core.KindForbidden, "%s is not accessible", resource)
		},
		func(k APIKey) error {
			if needed := NewScope(resource, action); !k.HasScope(needed) {
				return core.Errorf(core.KindForbidden, "api key lacks scope %s", needed)
			}
			return nil
		},
	)
}

// RowFilter is the predicate policy evaluation puts on rows. The zero value
// does not restrict.
type RowFilter struct {
	Column string
	Value  string
}

// Unrestricted returns true if the filter admits every row
func (f RowFilter) Unrestricted() bool {
	return f.Column == ""
}

// Matches returns true if row satisfies the filter. Rows lacking the column never match.
func (f RowFilter) Matches(row map[string]interface{}) bool {
	if f.Unrestricted() {
		return true
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	switch s := v.(type) {
	case string:
		return s == f.Value
	case []byte:
		return string(s) == f.Value
	}
	return fmt.Sprint(v) == f.Value
}

// SQL returns the filter as a where clause bound to parameter $argIndex, or
// an empty clause if the filter is unrestricted.
func (f RowFilter) SQL(argIndex int) (string, []interface{}) {
	if f.Unrestricted() {
		return "", nil
	}
	return fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(f.Column), argIndex), []interface{}{f.Value}
}
