/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the router. The client
is the tool of choice for unit tests. Created with NewWithURL it talks real
HTTP to a running service instead.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bastion/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     http.Handler
	httpClient *http.Client
	url        string
	token      string
	auth       access.AuthContext
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the router
//
// WithAuth() adds an auth context to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router http.Handler) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds a bearer token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client sending token as bearer credential. This
// can be an API key or an end user access token.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuth returns a new client with a resolved auth context
// (this works only directly against the router, for a normal client
//
//	use WithToken())
func (c Client) WithAuth(auth access.AuthContext) Client {
	c.auth = auth
	return c
}

// WithAdmin returns a new client with admin authorization
func (c Client) WithAdmin() Client {
	return c.WithAuth(access.Admin{UserID: "test-admin", Role: "admin"})
}

// WithUser returns a new client authorized as end user userID
func (c Client) WithUser(userID string) Client {
	return c.WithAuth(access.EndUser{UserID: userID})
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuth(ctx, c.auth)
	}
	return ctx
}

// Response is a raw response
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Do sends a request with a raw body and returns the raw response
func (c Client) Do(method, path string, header map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return &Response{Status: res.StatusCode, Header: res.Header, Body: rec.Body.Bytes()}, nil
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: resBody}, nil
}

func (c Client) request(method, path string, body interface{}, result interface{}, expected ...int) (int, error) {
	var (
		j   []byte
		err error
	)
	header := map[string]string{}
	if body != nil {
		var ok bool
		if j, ok = body.([]byte); !ok {
			j, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
		header["Content-Type"] = "application/json"
	}
	res, err := c.Do(method, path, header, j)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if !contains(expected, res.Status) {
		return res.Status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			res.Status, expected, strings.TrimSpace(string(res.Body)))
	}
	if len(res.Body) > 0 && result != nil {
		if raw, ok := result.(*[]byte); ok {
			*raw = res.Body
		} else {
			err = json.Unmarshal(res.Body, result)
		}
	}
	return res.Status, err
}

func contains(list []int, i int) bool {
	for _, l := range list {
		if l == i {
			return true
		}
	}
	return false
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	return c.request(http.MethodGet, path, nil, result, http.StatusOK, http.StatusNoContent)
}

// RawPost posts a resource to path. Expects http.StatusCreated or http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.request(http.MethodPost, path, body, result, http.StatusCreated, http.StatusOK, http.StatusNoContent)
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	return c.request(http.MethodPut, path, body, result, http.StatusOK, http.StatusCreated, http.StatusNoContent)
}

// RawPatch patches the resource at path. Expects http.StatusOK or http.StatusNoContent.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	return c.request(http.MethodPatch, path, body, result, http.StatusOK, http.StatusNoContent)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent or http.StatusOK.
func (c Client) RawDelete(path string) (int, error) {
	return c.request(http.MethodDelete, path, nil, nil, http.StatusNoContent, http.StatusOK)
}

// RawPutBlob puts a binary resource to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent as valid responses,
// otherwise it will flag an error.
func (c Client) RawPutBlob(path string, contentType string, blob []byte, result interface{}) (int, error) {
	res, err := c.Do(http.MethodPut, path, map[string]string{"Content-Type": contentType}, blob)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if !contains([]int{http.StatusOK, http.StatusCreated, http.StatusNoContent}, res.Status) {
		return res.Status, fmt.Errorf("put got status=%d body=%s", res.Status, strings.TrimSpace(string(res.Body)))
	}
	if len(res.Body) > 0 && result != nil {
		err = json.Unmarshal(res.Body, result)
	}
	return res.Status, err
}

// RawGetBlob gets a binary resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code and the return header
func (c Client) RawGetBlob(path string, blob *[]byte) (int, http.Header, error) {
	res, err := c.Do(http.MethodGet, path, nil, nil)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	if res.Status != http.StatusOK {
		return res.Status, res.Header, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			res.Status, http.StatusOK, strings.TrimSpace(string(res.Body)))
	}
	*blob = res.Body
	return res.Status, res.Header, nil
}
