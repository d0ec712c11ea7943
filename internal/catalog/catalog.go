// Package catalog holds the read-only configuration the orchestration core
// routes over: agent packages, the models they are bound to, the services
// (tools) they expose, and the tenants, roles and user profiles that decide
// who may use them.
//
// A [Catalog] is immutable once built. Hot reloads build a new Catalog and
// swap it into a [Holder]; in-flight turns keep the snapshot they started
// with.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/hexenseai/hex-platform/pkg/provider/llm"
	"github.com/hexenseai/hex-platform/pkg/types"
)

// DefaultFunction is the tool function used by services that do not name one.
const DefaultFunction = "call_service"

// Model describes one LLM a package can be bound to.
type Model struct {
	ID            string `yaml:"id"`
	Provider      string `yaml:"provider"`
	Name          string `yaml:"name"`
	SupportsTools *bool  `yaml:"supports_tools"`
	Local         bool   `yaml:"local"`
	Active        *bool  `yaml:"active"`
	CredentialRef string `yaml:"credential_ref"`
}

// Descriptor converts m into the provider-level descriptor. Tool support and
// activity default to true.
func (m Model) Descriptor() llm.ModelDescriptor {
	return llm.ModelDescriptor{
		Provider:      m.Provider,
		Name:          m.Name,
		SupportsTools: m.SupportsTools == nil || *m.SupportsTools,
		Local:         m.Local,
		Active:        m.Active == nil || *m.Active,
		CredentialRef: m.CredentialRef,
	}
}

// Service is one callable tool exposed by a package.
type Service struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`

	// Function is the registry key of the implementing handler.
	Function string `yaml:"function"`

	// DefaultParams are merged underneath the model-supplied arguments.
	DefaultParams map[string]any `yaml:"default_params"`

	Active *bool `yaml:"active"`
}

// IsActive reports whether the service is offered to the model.
func (s Service) IsActive() bool { return s.Active == nil || *s.Active }

// FunctionName returns Function or [DefaultFunction].
func (s Service) FunctionName() string {
	if s.Function == "" {
		return DefaultFunction
	}
	return s.Function
}

// Definition returns the tool schema sent to the model.
func (s Service) Definition() types.ToolDefinition {
	params := s.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return types.ToolDefinition{Name: s.Name, Description: s.Description, Parameters: params}
}

// Package is an agent package: a model binding, system instructions, a tool
// set and an access predicate.
type Package struct {
	ID           string    `yaml:"id"`
	Name         string    `yaml:"name"`
	Description  string    `yaml:"description"`
	SystemPrompt string    `yaml:"system_prompt"`
	ModelID      string    `yaml:"model"`
	AllowedRoles []string  `yaml:"allowed_roles"`
	Services     []Service `yaml:"services"`
	Active       *bool     `yaml:"active"`

	IncludeCompanyInfo  bool `yaml:"include_company_info"`
	IncludePersonalInfo bool `yaml:"include_personal_info"`

	// Order is the package's position in the catalog. It is the stable
	// ordering used to break routing ties.
	Order int `yaml:"-"`

	// Model is resolved from ModelID when the catalog is built.
	Model llm.ModelDescriptor `yaml:"-"`
}

// IsActive reports whether the package may be routed to.
func (p *Package) IsActive() bool { return p.Active == nil || *p.Active }

// Permits reports whether role may use the package. An empty AllowedRoles
// list admits every role.
func (p *Package) Permits(role string) bool {
	return len(p.AllowedRoles) == 0 || slices.Contains(p.AllowedRoles, role)
}

// Service returns the active service named name.
func (p *Package) Service(name string) (Service, bool) {
	for _, s := range p.Services {
		if s.Name == name && s.IsActive() {
			return s, true
		}
	}
	return Service{}, false
}

// Tools returns the definitions of all active services in catalog order.
func (p *Package) Tools() []types.ToolDefinition {
	var out []types.ToolDefinition
	for _, s := range p.Services {
		if s.IsActive() {
			out = append(out, s.Definition())
		}
	}
	return out
}

// IndexText is the text embedded into the package index.
func (p *Package) IndexText() string {
	return p.Name + ": " + p.Description
}

// Role is an access-control role.
type Role struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Company is a tenant. Credentials maps credential references (usually the
// provider family) to API keys.
type Company struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Credentials llm.Credentials `yaml:"credentials"`
}

// Profile is one identity a principal can act under.
type Profile struct {
	ID          string `yaml:"id"`
	PrincipalID string `yaml:"principal"`
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Department  string `yaml:"department"`
	Preferences string `yaml:"preferences"`
	CompanyID   string `yaml:"company"`
	Default     bool   `yaml:"default"`
}

// Catalog is an immutable, validated snapshot.
type Catalog struct {
	packages  []*Package
	byID      map[string]*Package
	models    map[string]Model
	roles     map[string]Role
	companies map[string]Company
	profiles  map[string]Profile
	byOwner   map[string][]Profile
}

// ErrUnknownPackage is returned for package lookups that miss.
var ErrUnknownPackage = errors.New("catalog: unknown package")

// New validates f and builds a Catalog. All problems are reported together.
func New(f *File) (*Catalog, error) {
	c := &Catalog{
		byID:      make(map[string]*Package),
		models:    make(map[string]Model),
		roles:     make(map[string]Role),
		companies: make(map[string]Company),
		profiles:  make(map[string]Profile),
		byOwner:   make(map[string][]Profile),
	}
	var errs []error

	for _, m := range f.Models {
		switch {
		case m.ID == "":
			errs = append(errs, fmt.Errorf("catalog: model %q has no id", m.Name))
			continue
		case m.Provider == "" || m.Name == "":
			errs = append(errs, fmt.Errorf("catalog: model %q needs provider and name", m.ID))
		}
		if _, dup := c.models[m.ID]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate model id %q", m.ID))
		}
		c.models[m.ID] = m
	}
	for _, r := range f.Roles {
		c.roles[r.ID] = r
	}
	for _, co := range f.Companies {
		if _, dup := c.companies[co.ID]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate company id %q", co.ID))
		}
		c.companies[co.ID] = co
	}

	for i := range f.Packages {
		p := f.Packages[i]
		p.Order = i
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("catalog: package %d (%q) has no id", i, p.Name))
			continue
		}
		if _, dup := c.byID[p.ID]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate package id %q", p.ID))
			continue
		}
		m, ok := c.models[p.ModelID]
		switch {
		case p.ModelID == "":
			errs = append(errs, fmt.Errorf("catalog: package %q has no bound model", p.ID))
		case !ok:
			errs = append(errs, fmt.Errorf("catalog: package %q references unknown model %q", p.ID, p.ModelID))
		default:
			p.Model = m.Descriptor()
		}
		if len(c.roles) > 0 {
			for _, r := range p.AllowedRoles {
				if _, ok := c.roles[r]; !ok {
					errs = append(errs, fmt.Errorf("catalog: package %q allows unknown role %q", p.ID, r))
				}
			}
		}
		seen := make(map[string]bool)
		for _, s := range p.Services {
			if s.Name == "" {
				errs = append(errs, fmt.Errorf("catalog: package %q has a service without a name", p.ID))
			}
			if seen[s.Name] {
				errs = append(errs, fmt.Errorf("catalog: package %q has duplicate service %q", p.ID, s.Name))
			}
			seen[s.Name] = true
		}
		pkg := &p
		c.packages = append(c.packages, pkg)
		c.byID[p.ID] = pkg
	}

	for _, pr := range f.Profiles {
		if pr.ID == "" || pr.PrincipalID == "" {
			errs = append(errs, fmt.Errorf("catalog: profile %q needs id and principal", pr.Name))
			continue
		}
		if pr.CompanyID != "" {
			if _, ok := c.companies[pr.CompanyID]; !ok {
				errs = append(errs, fmt.Errorf("catalog: profile %q references unknown company %q", pr.ID, pr.CompanyID))
			}
		}
		c.profiles[pr.ID] = pr
		c.byOwner[pr.PrincipalID] = append(c.byOwner[pr.PrincipalID], pr)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Package returns the package with id.
func (c *Catalog) Package(id string) (*Package, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Packages returns all packages in stable catalog order.
func (c *Catalog) Packages() []*Package {
	return slices.Clone(c.packages)
}

// Role returns the role with id.
func (c *Catalog) Role(id string) (Role, bool) {
	r, ok := c.roles[id]
	return r, ok
}

// Company returns the company with id.
func (c *Catalog) Company(id string) (Company, bool) {
	co, ok := c.companies[id]
	return co, ok
}

// Profile returns the profile with id.
func (c *Catalog) Profile(id string) (Profile, bool) {
	p, ok := c.profiles[id]
	return p, ok
}

// DefaultProfile returns the principal's profile marked default, or its
// first profile.
func (c *Catalog) DefaultProfile(principal string) (Profile, bool) {
	owned := c.byOwner[principal]
	if len(owned) == 0 {
		return Profile{}, false
	}
	for _, p := range owned {
		if p.Default {
			return p, true
		}
	}
	return owned[0], true
}

// Credentials returns the API keys of the company the profile belongs to.
func (c *Catalog) Credentials(p Profile) llm.Credentials {
	return c.companies[p.CompanyID].Credentials
}

// Holder publishes the current Catalog to concurrent readers.
type Holder struct {
	v atomic.Pointer[Catalog]
}

// NewHolder returns a Holder initialised with c.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	h.v.Store(c)
	return h
}

// Current returns the latest snapshot.
func (h *Holder) Current() *Catalog { return h.v.Load() }

// Swap publishes c and returns the previous snapshot.
func (h *Holder) Swap(c *Catalog) *Catalog { return h.v.Swap(c) }
