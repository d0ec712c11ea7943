package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/hexenseai/hex-platform/pkg/fault"
)

// ModelDescriptor identifies the backend and model an agent package is bound to.
type ModelDescriptor struct {
	// Provider is the backend family ("openai", "anthropic", "gemini", "ollama", ...).
	Provider string

	// Name is the provider-specific model name (e.g. "gpt-4o").
	Name string

	// SupportsTools reports native tool-calling support.
	SupportsTools bool

	// Local marks models hosted inside the deployment. Local models never need
	// a tenant credential.
	Local bool

	// Active gates routing; inactive models are never selected.
	Active bool

	// CredentialRef names the tenant credential to use. Empty means Provider.
	CredentialRef string
}

// credentialRef returns the key used to look up the tenant's API key.
func (d ModelDescriptor) credentialRef() string {
	if d.CredentialRef != "" {
		return d.CredentialRef
	}
	return d.Provider
}

// Credentials maps credential references to API keys for one tenant.
type Credentials map[string]string

// Factory constructs a provider for desc authenticated with apiKey. apiKey is
// empty for keyless backends.
type Factory func(desc ModelDescriptor, apiKey string) (Provider, error)

type backend struct {
	factory Factory
	keyless bool
}

// BackendOption configures a registration on a [Dispatcher].
type BackendOption func(*backend)

// Keyless marks a backend that does not need a tenant credential.
func Keyless() BackendOption {
	return func(b *backend) { b.keyless = true }
}

// Dispatcher maps provider identifiers to concrete backends and caches the
// constructed clients process-wide. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	backends map[string]backend
	// localFamily handles every descriptor with Local set, regardless of its
	// Provider field.
	localFamily string
	cache       ClientCache
}

// NewDispatcher returns an empty [Dispatcher].
func NewDispatcher() *Dispatcher {
	return &Dispatcher{backends: make(map[string]backend)}
}

// Register installs factory under family. Subsequent calls with the same
// family overwrite the previous registration; cached clients are kept.
func (d *Dispatcher) Register(family string, factory Factory, opts ...BackendOption) {
	b := backend{factory: factory}
	for _, o := range opts {
		o(&b)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[family] = b
}

// RouteLocal sends every descriptor with Local set to the backend registered
// under family.
func (d *Dispatcher) RouteLocal(family string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localFamily = family
}

// Families returns the registered backend families.
func (d *Dispatcher) Families() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.backends))
	for name := range d.backends {
		out = append(out, name)
	}
	return out
}

// Resolve returns the provider for desc using creds. Unknown families and
// missing credentials are configuration errors.
func (d *Dispatcher) Resolve(desc ModelDescriptor, creds Credentials) (Provider, error) {
	if desc.Name == "" {
		return nil, fault.Configuration("llm: model descriptor has no model name")
	}
	family := desc.Provider
	d.mu.RLock()
	if desc.Local && d.localFamily != "" {
		family = d.localFamily
	}
	b, ok := d.backends[family]
	d.mu.RUnlock()
	if !ok {
		return nil, fault.Configuration("llm: unknown provider %q", desc.Provider)
	}

	var apiKey string
	if !b.keyless && !desc.Local {
		apiKey = creds[desc.credentialRef()]
		if apiKey == "" {
			return nil, fault.Configuration("llm: %s API key is not configured for this tenant", desc.credentialRef())
		}
	}

	return d.cache.Get(cacheKey(family, desc.Name, apiKey), func() (Provider, error) {
		p, err := b.factory(desc, apiKey)
		if err != nil {
			return nil, fault.Configuration("llm: create %s/%s: %w", family, desc.Name, err)
		}
		return p, nil
	})
}

// Stream resolves desc and starts a normalised completion stream. Resolution
// failures are reported as an [EventError] before any content.
func (d *Dispatcher) Stream(ctx context.Context, desc ModelDescriptor, creds Credentials, req CompletionRequest) <-chan Event {
	p, err := d.Resolve(desc, creds)
	if err != nil {
		return Failed(err)
	}
	return Stream(ctx, p, req)
}

// String implements fmt.Stringer for log output.
func (d ModelDescriptor) String() string {
	return fmt.Sprintf("%s/%s", d.Provider, d.Name)
}
