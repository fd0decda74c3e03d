package backend

import (
	"bytes"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
)

// maximum accepted size of JSON request bodies
const maxBodySize = 4 << 20

// readBody reads the JSON body of r and validates it against schemaID, unless schemaID is empty
func (b *Backend) readBody(r *http.Request, schemaID string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, core.Errorf(core.KindValidation, "cannot read request body: %s", err)
	}
	if len(body) > maxBodySize {
		return nil, core.Errorf(core.KindValidation, "request body exceeds %d bytes", maxBodySize)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if schemaID != "" {
		if err := b.validator.ValidateBytes(body, schemaID); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// decodeBody reads, validates and unmarshals the JSON body of r into v
func (b *Backend) decodeBody(r *http.Request, schemaID string, v interface{}) error {
	body, err := b.readBody(r, schemaID)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return core.Errorf(core.KindValidation, "invalid request body: %s", err)
	}
	return nil
}

// decodeObject reads the JSON object body of r, keeping numbers as json.Number
func (b *Backend) decodeObject(r *http.Request, schemaID string) (map[string]interface{}, error) {
	body, err := b.readBody(r, schemaID)
	if err != nil {
		return nil, err
	}
	var object map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&object); err != nil || object == nil {
		return nil, core.Errorf(core.KindValidation, "request body must be a JSON object")
	}
	return object, nil
}

// authFrom returns the auth context the middleware attached to r
func authFrom(r *http.Request) access.AuthContext {
	auth, _ := access.AuthFromContext(r.Context())
	return auth
}

// pathID parses the uuid path variable name. Malformed ids cannot exist and report not found.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, core.Errorf(core.KindNotFound, "%s not found", name)
	}
	return id, nil
}
