package access

import (
	"strings"

	"github.com/relabs-tech/bastion/core"
)

// UserObjectPrefix returns the namespace of objects owned by an end user
func UserObjectPrefix(userID string) string {
	return "users/" + userID + "/"
}

// AuthorizeObject decides whether auth may perform action on the blob store
// object key. End users may only reach keys inside their own namespace.
// Everything else reports not found so other users' objects cannot be probed.
func AuthorizeObject(auth AuthContext, key string, action core.Action) error {
	if auth == nil {
		return core.Errorf(core.KindUnauthenticated, "authentication required")
	}
	return Match(auth,
		func(Admin) error { return nil },
		func(u EndUser) error {
			if u.UserID == "" || !strings.HasPrefix(key, UserObjectPrefix(u.UserID)) {
				return core.Errorf(core.KindNotFound, "object not found")
			}
			return nil
		},
		func(k APIKey) error {
			if needed := NewScope(ResourceStorage, action); !k.HasScope(needed) {
				return core.Errorf(core.KindForbidden, "api key lacks scope %s", needed)
			}
			return nil
		},
	)
}

// ObjectListPrefix returns the prefix auth may list with. End users asking for
// a prefix outside their namespace get not found; an empty prefix is
// narrowed to their namespace.
func ObjectListPrefix(auth AuthContext, prefix string) (string, error) {
	if auth == nil {
		return "", core.Errorf(core.KindUnauthenticated, "authentication required")
	}
	type listing struct {
		prefix string
		err    error
	}
	l := Match(auth,
		func(Admin) listing { return listing{prefix: prefix} },
		func(u EndUser) listing {
			own := UserObjectPrefix(u.UserID)
			if prefix == "" {
				return listing{prefix: own}
			}
			if u.UserID == "" || !strings.HasPrefix(prefix, own) {
				return listing{err: core.Errorf(core.KindNotFound, "object not found")}
			}
			return listing{prefix: prefix}
		},
		func(k APIKey) listing {
			return listing{prefix: prefix, err: AuthorizeObject(k, prefix, core.ActionRead)}
		},
	)
	return l.prefix, l.err
}
