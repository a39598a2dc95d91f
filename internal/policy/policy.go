// Package policy describes what a tenant may do and how much it may spend,
// and checks calls against it before any budget is touched.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vnmchuo/aegis-gateway/internal/ledger"
)

// CapabilityInvoke is required for every model call.
const CapabilityInvoke = "llm:invoke"

// DefaultTenant names the policy used when a tenant has none of its own.
const DefaultTenant = "default"

var ErrPolicyNotFound = errors.New("policy not found")

type TenantPolicy struct {
	TenantID     string        `json:"tenantId" yaml:"tenantId"`
	ProjectID    string        `json:"projectId,omitempty" yaml:"projectId,omitempty"`
	Environment  string        `json:"environment,omitempty" yaml:"environment,omitempty"`
	Capabilities []string      `json:"capabilities" yaml:"capabilities" validate:"required,dive,required"`
	Model        ModelPolicy   `json:"model" yaml:"model"`
	Routing      RoutingPolicy `json:"routing" yaml:"routing"`
	Budgets      Budgets       `json:"budgets" yaml:"budgets"`
}

type ModelPolicy struct {
	// AllowModels entries ending in "*" match by prefix.
	AllowModels []string `json:"allowModels" yaml:"allowModels" validate:"required,dive,required"`
}

type RoutingPolicy struct {
	PrimaryProvider   string   `json:"primaryProvider" yaml:"primaryProvider" validate:"required"`
	FallbackProviders []string `json:"fallbackProviders,omitempty" yaml:"fallbackProviders,omitempty" validate:"omitempty,dive,required"`
}

type Budgets struct {
	PerRunUSD float64      `json:"perRunUsd" yaml:"perRunUsd" validate:"gte=0"`
	PerWindow WindowBudget `json:"perWindow" yaml:"perWindow"`
}

type WindowBudget struct {
	Window   ledger.Window `json:"window" yaml:"window" validate:"required,oneof=minute hour day month"`
	LimitUSD float64       `json:"limitUsd" yaml:"limitUsd" validate:"gte=0"`
	// LimitTokens caps tokens per window; zero means uncapped.
	LimitTokens int64 `json:"limitTokens,omitempty" yaml:"limitTokens,omitempty" validate:"gte=0"`
	// HardStop defaults to true when unset.
	HardStop *bool `json:"hardStop,omitempty" yaml:"hardStop,omitempty"`
}

func (w WindowBudget) IsHardStop() bool {
	return w.HardStop == nil || *w.HardStop
}

// Limits converts the budget into ledger limits.
func (b Budgets) Limits() ledger.Limits {
	return ledger.Limits{
		WindowUSD:    b.PerWindow.LimitUSD,
		RunUSD:       b.PerRunUSD,
		WindowTokens: b.PerWindow.LimitTokens,
	}
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (p *TenantPolicy) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (p *TenantPolicy) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// Provider resolves the policy for a tenant.
type Provider interface {
	GetPolicy(ctx context.Context, tenantID string) (*TenantPolicy, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, tenantID string) (*TenantPolicy, error)

func (f ProviderFunc) GetPolicy(ctx context.Context, tenantID string) (*TenantPolicy, error) {
	return f(ctx, tenantID)
}

var validate = validator.New()

// Validate reports structural problems in a policy.
func Validate(p *TenantPolicy) error {
	if p == nil {
		return errors.New("policy is nil")
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy for tenant %q: %w", p.TenantID, err)
	}
	return nil
}

// Violation names the admission rule a call broke.
type Violation struct {
	Rule    string
	Message string
}

func (v *Violation) Error() string {
	return v.Message
}

const (
	RuleCapability = "capability"
	RuleModel      = "model"
	RuleProvider   = "provider"
)

// Check enforces capability, model allow-list and provider routing, in that
// order. It returns a *Violation for the first rule that fails.
func Check(p *TenantPolicy, capability, provider, model string) error {
	if !slices.Contains(p.Capabilities, capability) {
		return &Violation{
			Rule:    RuleCapability,
			Message: fmt.Sprintf("missing capability %s for tenant %s", capability, p.TenantID),
		}
	}
	if !ModelAllowed(p.Model.AllowModels, model) {
		return &Violation{Rule: RuleModel, Message: fmt.Sprintf("model not allowed: %s", model)}
	}
	if provider != p.Routing.PrimaryProvider && !slices.Contains(p.Routing.FallbackProviders, provider) {
		return &Violation{Rule: RuleProvider, Message: fmt.Sprintf("provider not allowed: %s", provider)}
	}
	return nil
}

// ModelAllowed matches model against allow-list entries; a trailing "*"
// matches any model with that prefix.
func ModelAllowed(allow []string, model string) bool {
	for _, entry := range allow {
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if strings.HasPrefix(model, prefix) {
				return true
			}
			continue
		}
		if entry == model {
			return true
		}
	}
	return false
}
