package convo

import (
	"context"
)

// Course is one catalog entry browsable from COURSES_LIST.
type Course struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FAQEntry is one question/answer pair.
type FAQEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FAQCategory groups FAQ entries under a named category.
type FAQCategory struct {
	Name    string     `json:"name"`
	Entries []FAQEntry `json:"entries"`
}

// TenantConfig is the read model the engine consumes. It is supplied by the
// external CRUD layer and treated as an immutable snapshot per transition.
type TenantConfig struct {
	OrgName   string            `json:"org_name,omitempty"`
	Menu      *Menu             `json:"menu,omitempty"` // nil means DefaultMenu
	Courses   []Course          `json:"courses,omitempty"`
	FAQ       []FAQCategory     `json:"faq,omitempty"`
	Documents []string          `json:"documents,omitempty"`
	Templates map[string]string `json:"templates,omitempty"` // Per-template text overrides
}

// ActiveMenu returns the tenant menu, falling back to the default.
func (c *TenantConfig) ActiveMenu() *Menu {
	if c != nil && c.Menu != nil && len(c.Menu.Items) > 0 {
		return c.Menu
	}
	return DefaultMenu()
}

// ConfigProvider supplies tenant configuration snapshots. Implemented by the
// external CRUD layer; StaticProvider serves tests and single-tenant setups.
type ConfigProvider interface {
	TenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error)
}

// StaticProvider returns fixed configs from memory.
type StaticProvider struct {
	Configs map[string]*TenantConfig
	Default *TenantConfig
}

func (p *StaticProvider) TenantConfig(_ context.Context, tenantID string) (*TenantConfig, error) {
	if cfg, ok := p.Configs[tenantID]; ok {
		return cfg, nil
	}
	if p.Default != nil {
		return p.Default, nil
	}
	return &TenantConfig{}, nil
}
