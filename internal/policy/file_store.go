package policy

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Default *TenantPolicy            `yaml:"default"`
	Tenants map[string]*TenantPolicy `yaml:"tenants"`
}

// FileStore serves policies loaded from a YAML document with an optional
// "default" policy and a "tenants" map.
type FileStore struct {
	def     *TenantPolicy
	tenants map[string]*TenantPolicy
}

func NewFileStore(def *TenantPolicy, tenants map[string]*TenantPolicy) (*FileStore, error) {
	if def != nil {
		if def.TenantID == "" {
			def.TenantID = DefaultTenant
		}
		if err := Validate(def); err != nil {
			return nil, err
		}
	}
	for id, p := range tenants {
		if p == nil {
			return nil, fmt.Errorf("tenant %q: empty policy", id)
		}
		if p.TenantID == "" {
			p.TenantID = id
		}
		if p.TenantID != id {
			return nil, fmt.Errorf("tenant %q: policy declares tenantId %q", id, p.TenantID)
		}
		if err := Validate(p); err != nil {
			return nil, err
		}
	}
	return &FileStore{def: def, tenants: tenants}, nil
}

func LoadFile(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewFileStore(doc.Default, doc.Tenants)
}

func (s *FileStore) GetPolicy(_ context.Context, tenantID string) (*TenantPolicy, error) {
	if p, ok := s.tenants[tenantID]; ok {
		return clone(p), nil
	}
	if s.def == nil {
		return nil, fmt.Errorf("%w: tenant %s", ErrPolicyNotFound, tenantID)
	}
	p := clone(s.def)
	p.TenantID = tenantID
	return p, nil
}

// clone hands out a copy so callers never share the stored policy.
func clone(p *TenantPolicy) *TenantPolicy {
	c := *p
	c.Capabilities = append([]string(nil), p.Capabilities...)
	c.Model.AllowModels = append([]string(nil), p.Model.AllowModels...)
	c.Routing.FallbackProviders = append([]string(nil), p.Routing.FallbackProviders...)
	if p.Budgets.PerWindow.HardStop != nil {
		v := *p.Budgets.PerWindow.HardStop
		c.Budgets.PerWindow.HardStop = &v
	}
	return &c
}
