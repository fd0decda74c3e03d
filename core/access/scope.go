package access

import (
	"fmt"
	"strings"

	"github.com/relabs-tech/bastion/core"
)

// Resource is the resource part of a scope
type Resource string

// all scope resources
const (
	ResourceData    Resource = "data"
	ResourceTables  Resource = "tables"
	ResourceStorage Resource = "storage"
	ResourceAdmin   Resource = "admin"
)

// Scope is a permission of the form <resource>:<action> granted to an API key
type Scope struct {
	Resource Resource
	Action   core.Action
}

// NewScope returns the scope for resource and action
func NewScope(resource Resource, action core.Action) Scope {
	return Scope{Resource: resource, Action: action}
}

func (s Scope) String() string {
	return string(s.Resource) + ":" + string(s.Action)
}

// ParseScope parses a scope string such as "data:read"
func ParseScope(s string) (Scope, error) {
	resource, action, found := strings.Cut(s, ":")
	if !found {
		return Scope{}, fmt.Errorf("scope '%s' is not of the form resource:action", s)
	}
	switch Resource(resource) {
	case ResourceData, ResourceTables, ResourceStorage, ResourceAdmin:
	default:
		return Scope{}, fmt.Errorf("scope '%s' has unknown resource '%s'", s, resource)
	}
	a, err := core.ParseAction(action)
	if err != nil || string(a) != action {
		return Scope{}, fmt.Errorf("scope '%s' has unknown action '%s'", s, action)
	}
	return Scope{Resource: Resource(resource), Action: a}, nil
}

// ParseScopes parses a list of scope strings, dropping duplicates while keeping order
func ParseScopes(strs []string) ([]Scope, error) {
	scopes := make([]Scope, 0, len(strs))
	seen := map[Scope]bool{}
	for _, str := range strs {
		s, err := ParseScope(str)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			scopes = append(scopes, s)
		}
	}
	return scopes, nil
}

// ScopeStrings returns the string form of scopes
func ScopeStrings(scopes []Scope) []string {
	strs := make([]string, len(scopes))
	for i, s := range scopes {
		strs[i] = s.String()
	}
	return strs
}
