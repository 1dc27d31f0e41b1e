package subscription

import (
	"context"

	"github.com/zllovesuki/atelier/errdefs"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/tier"

	"go.uber.org/zap"
)

// EnsurePrices makes sure every current catalog price exists on the gateway, looking them
// up by lookup key. Legacy prices are only ever resolved, never created. It returns the
// gateway price id of each catalog price.
func (m *Manager) EnsurePrices(ctx context.Context) (map[string]string, error) {
	synced := make(map[string]string)
	for _, p := range tier.Prices() {
		logger := m.Logger.With(zap.String("LookupKey", p.ID))

		existing, err := m.Gateway.FindPrice(ctx, p.ID)
		if err != nil {
			return nil, errdefs.Gateway(err, "Cannot look up price")
		}
		if existing != nil {
			synced[p.ID] = existing.ID
			continue
		}
		if p.Legacy {
			logger.Debug("Legacy price is not on the gateway, skipping")
			continue
		}

		created, err := m.Gateway.CreatePrice(ctx, external.PriceRequest{
			LookupKey:   p.ID,
			ProductName: tier.DisplayName(p.Tier),
			Monthly:     p.Monthly,
		})
		if err != nil {
			logger.Error("Unable to create price on Stripe",
				zap.Error(err),
			)
			return nil, errdefs.Gateway(err, "Cannot create price")
		}
		logger.Info("Price created on Stripe",
			zap.String("PriceID", created.ID),
		)
		synced[p.ID] = created.ID
	}
	return synced, nil
}
