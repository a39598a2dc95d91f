package seeder

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/aegis-gateway/internal/ledger"
	"github.com/vnmchuo/aegis-gateway/internal/policy"
)

const DemoTenantID = "demo"

// PolicyWriter stores tenant policies.
type PolicyWriter interface {
	Put(ctx context.Context, p *policy.TenantPolicy) error
}

// DemoPolicy allows the small OpenAI and Gemini models with a dollar per day.
func DemoPolicy() *policy.TenantPolicy {
	return &policy.TenantPolicy{
		TenantID:     DemoTenantID,
		Environment:  "dev",
		Capabilities: []string{policy.CapabilityInvoke},
		Model:        policy.ModelPolicy{AllowModels: []string{"gpt-4o-mini", "gemini-2.5-*"}},
		Routing: policy.RoutingPolicy{
			PrimaryProvider:   "gemini",
			FallbackProviders: []string{"openai"},
		},
		Budgets: policy.Budgets{
			PerRunUSD: 0.25,
			PerWindow: policy.WindowBudget{Window: ledger.Day, LimitUSD: 1},
		},
	}
}

func SeedDemoPolicy(ctx context.Context, store PolicyWriter, logger *zap.Logger) error {
	p := DemoPolicy()
	if err := store.Put(ctx, p); err != nil {
		logger.Warn("[Seeder] demo policy not written", zap.Error(err))
		return err
	}
	logger.Info("[Seeder] demo policy written",
		zap.String("tenant_id", p.TenantID),
		zap.Strings("allow_models", p.Model.AllowModels),
	)
	return nil
}
