/*Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. The service keeps generated
signing secrets here.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bastion/core/csql"
)

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db *csql.DB
}

// New creates a new registry for the specified database
func New(db *csql.DB) *Registry {
	return &Registry{db: db}
}

// EnsureSchema creates the registry table if it does not exist
func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE table IF NOT EXISTS `+r.db.Table("_registry_")+`
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	return err
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry *Registry
}

// Accessor returns a registry accessor with prefix
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{Prefix: prefix, Registry: r}
}

func (a Accessor) key(key string) string {
	if len(a.Prefix) > 0 {
		return a.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		rawValue  []byte
		timestamp time.Time
	)
	key = a.key(key)
	db := a.Registry.db
	err := db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+db.Table("_registry_")+` WHERE key=$1;`,
		key).Scan(&rawValue, &timestamp)
	if errors.Is(err, csql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return timestamp, json.Unmarshal(rawValue, value)
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = a.key(key)
	db := a.Registry.db
	res, err := db.ExecContext(ctx,
		`INSERT INTO `+db.Table("_registry_")+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		key, string(body), time.Now().UTC())
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil
}

// Delete deletes a value from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Delete(ctx context.Context, key string) error {
	db := a.Registry.db
	_, err := db.ExecContext(ctx, `DELETE FROM `+db.Table("_registry_")+` WHERE key=$1;`, a.key(key))
	return err
}
