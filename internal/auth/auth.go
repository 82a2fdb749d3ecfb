// Package auth implements the request authentication gate: every
// control-plane call proves possession of an application secret with an
// HMAC-SHA256 signature over the exact request parameters. Applications are
// loaded once at startup and immutable for the process lifetime.
package auth

import (
	"errors"
	"net/url"
)

var (
	// ErrMissingCredential indicates a malformed request with no auth_key.
	ErrMissingCredential = errors.New("auth: missing auth_key")
	// ErrInvalidCredentials covers unknown applications and bad signatures
	// alike, so a caller cannot probe which check failed.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Application is an identity registered in configuration. The secret never
// leaves the process; it only feeds signature computation.
type Application struct {
	ID     string `yaml:"app_id"`
	Key    string `yaml:"app_key"`
	Secret string `yaml:"app_secret"`
}

// Registry is the read-only application lookup, indexed by key and by id.
type Registry struct {
	byKey map[string]*Application
	byID  map[string]*Application
}

// NewRegistry builds a registry from configured applications.
func NewRegistry(apps []Application) *Registry {
	r := &Registry{
		byKey: make(map[string]*Application, len(apps)),
		byID:  make(map[string]*Application, len(apps)),
	}
	for i := range apps {
		app := &apps[i]
		r.byKey[app.Key] = app
		r.byID[app.ID] = app
	}
	return r
}

// ByKey looks up an application by its app_key.
func (r *Registry) ByKey(key string) (*Application, bool) {
	app, ok := r.byKey[key]
	return app, ok
}

// ByID looks up an application by its app_id.
func (r *Registry) ByID(id string) (*Application, bool) {
	app, ok := r.byID[id]
	return app, ok
}

// Gate authenticates control-plane requests against the registry.
type Gate struct {
	registry *Registry
}

// NewGate creates an authentication gate.
func NewGate(registry *Registry) *Gate {
	return &Gate{registry: registry}
}

// Authenticate verifies a request signed with an application secret.
// appID is the path-embedded id; the auth_key query parameter carries the
// credential, and both must resolve to the same application. params must be
// the full query parameter set; auth_signature is excluded from the signed
// string by Sign.
func (g *Gate) Authenticate(appID, method, path string, params url.Values) (*Application, error) {
	key := params.Get("auth_key")
	if key == "" {
		return nil, ErrMissingCredential
	}

	app, ok := g.registry.ByKey(key)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if appID != "" {
		byID, ok := g.registry.ByID(appID)
		if !ok || byID != app {
			return nil, ErrInvalidCredentials
		}
	}

	signature := params.Get("auth_signature")
	if signature == "" {
		return nil, ErrInvalidCredentials
	}
	if !VerifySignature(app.Secret, method, path, params, signature) {
		return nil, ErrInvalidCredentials
	}
	return app, nil
}
