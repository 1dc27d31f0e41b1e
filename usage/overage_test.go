package usage

import (
	"testing"

	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/tier"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeOveragesSingleCategory(t *testing.T) {
	u := Usage{ArtworksCount: 30, StorageUsedGB: decimal.NewFromInt(2), AICreditsUsed: 10, TeamMembersCount: 1}
	limits := tier.Limits{Artworks: 25, StorageGB: 5, AICredits: 50, TeamMembers: 1}

	b := ComputeOverages(u, limits)

	assert.Equal(t, "4.95", b.TotalAmount.StringFixed(2))
	require.Len(t, b.Details, 1)
	d := b.Details[0]
	assert.Equal(t, DetailArtwork, d.Type)
	assert.True(t, decimal.NewFromInt(5).Equal(d.Count))
	assert.Equal(t, "0.99", d.UnitPrice.String())
	assert.Equal(t, "4.95", d.Amount.String())
}

func TestComputeOveragesAllCategories(t *testing.T) {
	u := Usage{ArtworksCount: 26, StorageUsedGB: decimal.RequireFromString("7.5"), AICreditsUsed: 60, TeamMembersCount: 3}

	b := ComputeOverages(u, tier.LimitsFor(tier.Starter))

	require.Len(t, b.Details, 4)
	assert.Equal(t, []string{DetailArtwork, DetailStorage, DetailAICredit, DetailTeamMember},
		[]string{b.Details[0].Type, b.Details[1].Type, b.Details[2].Type, b.Details[3].Type})
	// 0.99 + round(2.5*0.49) + 10*0.05 + 2*9.99
	assert.Equal(t, "1.23", b.Details[1].Amount.StringFixed(2))
	assert.Equal(t, "22.70", b.TotalAmount.StringFixed(2))

	sum := decimal.Zero
	var cents int64
	for _, d := range b.Details {
		assert.True(t, d.Amount.Equal(d.Amount.Round(2)), "%s has sub-cent precision", d.Type)
		sum = sum.Add(d.Amount)
		cents += external.ToCents(d.Amount)
	}
	assert.True(t, sum.Equal(b.TotalAmount))
	assert.Equal(t, cents, external.ToCents(b.TotalAmount))
}

func TestComputeOveragesUnlimitedNeverBills(t *testing.T) {
	u := Usage{ArtworksCount: 1 << 40, StorageUsedGB: decimal.NewFromInt(1 << 30), AICreditsUsed: 1 << 40, TeamMembersCount: 1 << 20}

	b := ComputeOverages(u, tier.LimitsFor(tier.Enterprise))
	assert.Empty(t, b.Details)
	assert.True(t, b.TotalAmount.IsZero())

	b = ComputeOverages(u, tier.LimitsFor(tier.Business))
	for _, d := range b.Details {
		assert.NotEqual(t, DetailArtwork, d.Type)
	}
}

func TestComputeOveragesAtLimitIsFree(t *testing.T) {
	u := Usage{ArtworksCount: 25, StorageUsedGB: decimal.NewFromInt(5), AICreditsUsed: 50, TeamMembersCount: 1}
	b := ComputeOverages(u, tier.LimitsFor(tier.Starter))
	assert.Empty(t, b.Details)
	assert.True(t, b.TotalAmount.IsZero())
}

func TestComputeOveragesDeterministic(t *testing.T) {
	u := Usage{ArtworksCount: 120, StorageUsedGB: decimal.RequireFromString("30.25"), AICreditsUsed: 250, TeamMembersCount: 2}
	first := ComputeOverages(u, tier.LimitsFor(tier.Creator))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ComputeOverages(u, tier.LimitsFor(tier.Creator)))
	}
}
