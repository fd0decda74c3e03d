/*Package query compiles and executes custom queries.

A custom query is an admin defined SQL template with :name placeholders, for
example

	SELECT * FROM users WHERE id = :user_id AND status = :status

Compile validates a definition once, when it is created or updated, and
rewrites the placeholders to driver parameters ($1, $2, ...). Execution
only coerces and binds parameter values; values are never interpolated into
the SQL text.
*/
package query

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/relabs-tech/bastion/core"
)

// ParamType is the declared type of a query parameter
type ParamType string

// all parameter types
const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeDate    ParamType = "date"
)

// Parameter is a declared query parameter
type Parameter struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required"`
}

// Definition is a custom query definition. HTTPMethod, IsReadonly and
// PrimaryTable are derived from the template by Compile.
type Definition struct {
	ID              uuid.UUID   `json:"id"`
	Slug            string      `json:"slug"`
	Name            string      `json:"name"`
	SQLTemplate     string      `json:"sql_template"`
	Parameters      []Parameter `json:"parameters"`
	AllowWrite      bool        `json:"allow_write"`
	CacheTTLSeconds int         `json:"cache_ttl_seconds"`
	IsEnabled       bool        `json:"is_enabled"`
	HTTPMethod      string      `json:"http_method"`
	IsReadonly      bool        `json:"is_readonly"`
	PrimaryTable    string      `json:"primary_table"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CompiledQuery is a validated definition ready for execution. SQL has
// $k in place of the k-th entry of Placeholders.
type CompiledQuery struct {
	Definition   Definition
	Placeholders []string
	SQL          string
}

// Parameter returns the declaration of name
func (d *Definition) Parameter(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

var (
	parameterNameRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	// statement verbs that modify data or schema
	writeVerbs = map[string]bool{
		"insert": true, "update": true, "delete": true, "drop": true,
		"create": true, "alter": true, "truncate": true,
	}
)

func validationError(format string, params []string, args ...interface{}) error {
	return core.Errorf(core.KindValidation, format, args...).WithParams(params...)
}

// Compile validates def and returns the executable query. All failures are
// of kind core.KindValidation and name the offending parameters.
func Compile(def Definition) (*CompiledQuery, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, validationError("name is required", []string{"name"})
	}
	if def.Slug == "" {
		def.Slug = slug.Make(def.Name)
	}
	if !slug.IsSlug(def.Slug) {
		return nil, validationError("slug '%s' is not url safe", []string{"slug"}, def.Slug)
	}
	if strings.TrimSpace(def.SQLTemplate) == "" {
		return nil, validationError("sql_template is required", []string{"sql_template"})
	}
	if def.CacheTTLSeconds < 0 {
		def.CacheTTLSeconds = 0
	}

	seen := map[string]bool{}
	for _, p := range def.Parameters {
		if !parameterNameRegexp.MatchString(p.Name) {
			return nil, validationError("invalid parameter name '%s'", []string{p.Name}, p.Name)
		}
		if seen[p.Name] {
			return nil, validationError("parameter '%s' declared twice", []string{p.Name}, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case TypeString, TypeNumber, TypeBoolean, TypeDate:
		default:
			return nil, validationError("parameter '%s' has unknown type '%s'", []string{p.Name}, p.Name, p.Type)
		}
	}

	tokens, err := lex(def.SQLTemplate)
	if err != nil {
		return nil, validationError("%s", []string{"sql_template"}, err)
	}

	// keywords come from the lexer, so words inside literals, quoted
	// identifiers and comments never count
	isSelect := len(tokens) > 0 && tokens[0].kind == tokWord && tokens[0].text == "select"
	def.HTTPMethod = "POST"
	if isSelect {
		def.HTTPMethod = "GET"
	}
	def.IsReadonly = isSelect || hasWord(tokens, "pragma")

	var verbs []string
	for i, t := range tokens {
		switch t.kind {
		case tokWord:
			if writeVerbs[t.text] {
				verbs = appendUnique(verbs, strings.ToUpper(t.text))
			}
		case tokPositional:
			return nil, validationError("positional parameter %s is not supported, use :name", []string{t.text}, t.text)
		case tokSemicolon:
			if i != len(tokens)-1 {
				return nil, validationError("multiple statements are not supported", []string{"sql_template"})
			}
		}
	}
	switch {
	case len(verbs) > 0 && !def.AllowWrite:
		return nil, validationError("%s statements require write mode", verbs, strings.Join(verbs, ", "))
	case len(verbs) > 0 && def.IsReadonly:
		return nil, validationError("read-only query contains %s", verbs, strings.Join(verbs, ", "))
	case !def.AllowWrite && !def.IsReadonly:
		return nil, validationError("only SELECT or PRAGMA queries are allowed without write mode", []string{"sql_template"})
	}

	names := placeholders(tokens)
	var undeclared, unused []string
	for _, name := range names {
		if !seen[name] {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		return nil, validationError("placeholders without declaration: %s", undeclared, strings.Join(undeclared, ", "))
	}
	inTemplate := map[string]bool{}
	for _, name := range names {
		inTemplate[name] = true
	}
	for _, p := range def.Parameters {
		if p.Required && !inTemplate[p.Name] {
			unused = append(unused, p.Name)
		}
	}
	if len(unused) > 0 {
		sort.Strings(unused)
		return nil, validationError("required parameters missing from template: %s", unused, strings.Join(unused, ", "))
	}

	def.PrimaryTable = primaryTable(tokens)
	return &CompiledQuery{
		Definition:   def,
		Placeholders: names,
		SQL:          rewrite(def.SQLTemplate, tokens, names),
	}, nil
}

func hasWord(tokens []token, word string) bool {
	for _, t := range tokens {
		if t.kind == tokWord && t.text == word {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// primaryTable returns the first table named after FROM, INTO or UPDATE
// outside of parentheses, without schema qualification.
func primaryTable(tokens []token) string {
	depth := 0
	for i, t := range tokens {
		switch {
		case t.kind == tokOther && t.text == "(":
			depth++
		case t.kind == tokOther && t.text == ")":
			depth--
		}
		if depth != 0 || t.kind != tokWord || (t.text != "from" && t.text != "into" && t.text != "update") {
			continue
		}
		name := ""
		for j := i + 1; j < len(tokens); j++ {
			next := tokens[j]
			if next.kind == tokWord && next.text == "only" {
				continue
			}
			if next.kind != tokWord && next.kind != tokQuoted {
				break
			}
			name = next.text
			if j+1 < len(tokens) && tokens[j+1].kind == tokDot {
				j++
				continue
			}
			break
		}
		if name != "" {
			return name
		}
	}
	return ""
}
