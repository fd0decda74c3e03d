package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sethvargo/go-retry"

	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/apikey"
	"github.com/relabs-tech/bastion/core/auth"
	"github.com/relabs-tech/bastion/core/backend/kss"
	"github.com/relabs-tech/bastion/core/credentials"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/events"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/metrics"
	"github.com/relabs-tech/bastion/core/query"
	"github.com/relabs-tech/bastion/core/registry"
	"github.com/relabs-tech/bastion/core/schema"
	"github.com/relabs-tech/bastion/core/session"
)

// Backend is the HTTP surface of the authorization and query core
type Backend struct {
	db           *csql.DB
	router       *mux.Router
	updateSchema bool
	publicURL    string

	policy      *access.Engine
	credentials *credentials.PostgresStore
	keys        *apikey.Manager
	sessions    session.Store
	accounts    *auth.Accounts
	tokens      *auth.TokenIssuer
	resolver    *auth.Resolver
	login       *auth.AdminLogin
	registrar   *auth.Registrar
	queryStore  *query.PostgresStore
	queries     *query.Engine
	events      *events.Store
	hub         *events.Hub
	dispatcher  *events.Dispatcher
	waker       events.Waker
	sink        events.Sink
	kssDriver   kss.Driver
	validator   *schema.Validator

	secureCookies bool
	txBackoff     func() retry.Backoff

	// Registry is the JSON object registry for this backend's schema
	Registry *registry.Registry
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of all tables exposed through /data, with
	// their access policies. Tables missing from the configuration are
	// system only.
	Config string
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// UpdateSchema creates the bookkeeping tables if they do not exist
	UpdateSchema bool
	// PublicURL is the public URL of the service, used to decide whether cookies are secure
	PublicURL string

	// Sessions stores admin and end user sessions. Defaults to an in-memory store.
	Sessions session.Store
	// QueryCache caches custom query results. Nil disables caching.
	QueryCache query.Cache
	// TokenSecret signs end user tokens. If empty, a secret is generated once
	// and kept in the registry.
	TokenSecret []byte
	// TokenTTL is the lifetime of end user tokens. Defaults to one hour.
	TokenTTL time.Duration
	// SessionTTL is the lifetime of admin sessions. Defaults to 24 hours.
	SessionTTL time.Duration
	// IdentityProvider performs OAuth code flows. Defaults to a generic OAuth2 HTTP client.
	IdentityProvider auth.IdentityProvider
	// AdminEmail and AdminPassword bootstrap an admin account if it does not exist
	AdminEmail    string
	AdminPassword string

	// PushTransport delivers notifications. Defaults to JSON over HTTP.
	PushTransport events.PushTransport
	// EventSink additionally receives every dispatched event. Optional.
	EventSink events.Sink
	// Waker is signalled after every committed mutation. Defaults to the
	// in-process dispatcher.
	Waker events.Waker
	// DispatchWorkers is the number of hooks drained concurrently
	DispatchWorkers int
	// DispatchHeartbeat is the drain interval without wake signals
	DispatchHeartbeat time.Duration
	// CheckOrigin decides which origins may open realtime connections. Defaults to all.
	CheckOrigin func(r *http.Request) bool

	// KssConfiguration selects the blob store behind /storage. Optional.
	KssConfiguration kss.Configuration
	// KssDriver overrides KssConfiguration with an existing driver
	KssDriver kss.Driver
	// RowSchemas validates rows of tables whose configuration names a schema_id. Optional.
	RowSchemas *schema.Validator

	// TxRetries is the number of times a mutation transaction is retried on
	// transient storage errors. Defaults to 3.
	TxRetries uint64
}

// New realizes the actual backend. It creates the bookkeeping tables if
// requested and adds all routes to the router.
func New(bb *Builder) *Backend {
	ctx := context.Background()
	rlog := logger.Default()

	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	policy, err := access.ParseConfiguration(bb.Config)
	if err != nil {
		panic(err)
	}

	validator, err := schema.NewAdminValidator()
	if err != nil {
		panic(fmt.Errorf("cannot load request schemas: %w", err))
	}
	validator.Merge(bb.RowSchemas)
	for _, t := range policy.Tables() {
		if t.SchemaID != "" && !validator.HasSchema(t.SchemaID) {
			panic(fmt.Sprintf("table '%s' refers to unknown schema '%s'", t.Table, t.SchemaID))
		}
	}

	b := &Backend{
		db:            bb.DB,
		router:        bb.Router,
		updateSchema:  bb.UpdateSchema,
		publicURL:     bb.PublicURL,
		policy:        policy,
		credentials:   credentials.NewPostgresStore(bb.DB),
		sessions:      bb.Sessions,
		accounts:      auth.NewAccounts(bb.DB),
		queryStore:    query.NewPostgresStore(bb.DB),
		events:        events.NewStore(bb.DB),
		sink:          bb.EventSink,
		kssDriver:     bb.KssDriver,
		validator:     validator,
		secureCookies: strings.HasPrefix(bb.PublicURL, "https://"),
		Registry:      registry.New(bb.DB),
	}
	if b.sessions == nil {
		b.sessions = session.NewMemoryStore()
	}

	retries := bb.TxRetries
	if retries == 0 {
		retries = 3
	}
	b.txBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(retries, retry.NewExponential(50*time.Millisecond))
	}

	if b.updateSchema {
		b.ensureSchema(ctx)
	}

	secret := bb.TokenSecret
	if len(secret) == 0 {
		secret, err = auth.SecretFromRegistry(ctx, b.Registry)
		if err != nil {
			panic(fmt.Errorf("cannot obtain token secret: %w", err))
		}
	}
	tokenTTL := bb.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	b.tokens, err = auth.NewTokenIssuer(secret, "bastion", "bastion", tokenTTL)
	if err != nil {
		panic(err)
	}
	sessionTTL := bb.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}

	b.keys = apikey.NewManager(b.credentials)
	b.resolver = auth.NewResolver(b.keys, b.tokens, b.sessions)
	b.login = auth.NewAdminLogin(b.accounts, b.sessions, sessionTTL)
	idp := bb.IdentityProvider
	if idp == nil {
		idp = auth.NewHTTPIdentityProvider(10 * time.Second)
	}
	b.registrar = auth.NewRegistrar(b.credentials, idp, b.accounts, b.sessions, b.tokens)
	b.queries = query.NewEngine(b.queryStore, bb.DB, bb.QueryCache, policy)

	if bb.AdminEmail != "" {
		if err := auth.EnsureAdminAccount(ctx, b.accounts, bb.AdminEmail, bb.AdminPassword, "admin"); err != nil {
			panic(fmt.Errorf("cannot bootstrap admin account: %w", err))
		}
	}

	push := bb.PushTransport
	if push == nil {
		push = events.NewHTTPTransport(10 * time.Second)
	}
	b.hub = events.NewHub(bb.CheckOrigin)
	b.dispatcher = events.NewDispatcher(events.DispatcherConfig{
		Queue:     b.events,
		Hub:       b.hub,
		Push:      push,
		Sink:      bb.EventSink,
		Owners:    policy,
		Workers:   bb.DispatchWorkers,
		Heartbeat: bb.DispatchHeartbeat,
	})
	b.waker = bb.Waker
	if b.waker == nil {
		b.waker = b.dispatcher
	}

	if b.kssDriver == nil {
		b.kssDriver, err = kss.New(ctx, bb.KssConfiguration)
		if err != nil {
			panic(err)
		}
	}
	if b.kssDriver == nil {
		rlog.Info("KSS not in use")
	}

	b.handleRoutes(b.router)
	return b
}

func (b *Backend) ensureSchema(ctx context.Context) {
	for _, s := range []interface {
		EnsureSchema(ctx context.Context) error
	}{b.Registry, b.credentials, b.accounts, b.queryStore, b.events} {
		if err := s.EnsureSchema(ctx); err != nil {
			panic(err)
		}
	}
}

// publicRoutes pass the auth middleware without credentials
var publicRoutes = map[string]bool{
	"/_health":                         true,
	"/version":                         true,
	"/metrics":                         true,
	"/auth/admin/login":                true,
	"/auth/admin/logout":               true,
	"/auth/oauth/{provider}/callback": true,
}

func isPublic(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return false
	}
	template, err := route.GetPathTemplate()
	return err == nil && publicRoutes[template]
}

// handleRoutes adds all necessary handlers
func (b *Backend) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: HandleRoutes")

	logger.AddRequestID(router)
	router.Use(metrics.Instrument)
	b.handleCORS()
	b.handleCompression()
	router.Use(b.resolver.Middleware(isPublic))

	b.handleHealth(router)
	b.handleVersion(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	b.handleAuth(router)
	b.handleData(router)
	b.handleQueries(router)
	b.handleAPIKeys(router)
	b.handleProviders(router)
	b.handleHooks(router)
	b.handleRealtime(router)
	b.handlePush(router)
	b.handleStorage(router)
	b.handleStatistics(router)
}

// Router returns the router of the backend
func (b *Backend) Router() *mux.Router {
	return b.router
}

// Policy returns the access policy engine
func (b *Backend) Policy() *access.Engine {
	return b.policy
}

// Dispatcher returns the event dispatcher
func (b *Backend) Dispatcher() *events.Dispatcher {
	return b.dispatcher
}

// Tokens returns the end user token issuer
func (b *Backend) Tokens() *auth.TokenIssuer {
	return b.tokens
}

// Sessions returns the session store
func (b *Backend) Sessions() session.Store {
	return b.sessions
}

// APIKeys returns the API key manager
func (b *Backend) APIKeys() *apikey.Manager {
	return b.keys
}

// Start starts the in-process event dispatcher
func (b *Backend) Start() error {
	return b.dispatcher.Start()
}

// Close stops the dispatcher, disconnects realtime clients and closes the event sink
func (b *Backend) Close() error {
	b.dispatcher.Stop()
	b.hub.Close()
	if b.sink != nil {
		return b.sink.Close()
	}
	return nil
}
