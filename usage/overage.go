package usage

import (
	"github.com/zllovesuki/atelier/tier"

	"github.com/shopspring/decimal"
)

// Overage detail types
const (
	DetailArtwork    = "artwork"
	DetailStorage    = "storage"
	DetailAICredit   = "aiCredit"
	DetailTeamMember = "teamMember"
)

// Usage is the quantity consumed per metered category
type Usage struct {
	ArtworksCount    int64           `json:"artworksCount"`
	StorageUsedGB    decimal.Decimal `json:"storageUsedGB"`
	AICreditsUsed    int64           `json:"aiCreditsUsed"`
	TeamMembersCount int64           `json:"teamMembersCount"`
}

// DefaultUsage is assumed for users that never recorded any usage
func DefaultUsage() Usage {
	return Usage{
		StorageUsedGB:    decimal.Zero,
		TeamMembersCount: 1,
	}
}

// Detail is the overage of one category
type Detail struct {
	Type      string          `json:"type"`
	Count     decimal.Decimal `json:"count"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Amount    decimal.Decimal `json:"amount"`
}

// Breakdown is the result of ComputeOverages. Detail amounts are rounded to cents and
// TotalAmount is their sum.
type Breakdown struct {
	Details     []Detail        `json:"details"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// ComputeOverages prices the usage exceeding limits. Categories with an unlimited limit never
// produce an overage. The result depends only on its inputs.
func ComputeOverages(u Usage, limits tier.Limits) Breakdown {
	prices := tier.Overages()
	b := Breakdown{
		Details:     make([]Detail, 0, 4),
		TotalAmount: decimal.Zero,
	}
	add := func(kind string, used decimal.Decimal, limit int64, unit decimal.Decimal) {
		if limit == tier.Unlimited {
			return
		}
		over := used.Sub(decimal.NewFromInt(limit))
		if !over.IsPositive() {
			return
		}
		amount := over.Mul(unit).Round(2)
		b.Details = append(b.Details, Detail{
			Type:      kind,
			Count:     over,
			UnitPrice: unit,
			Amount:    amount,
		})
		b.TotalAmount = b.TotalAmount.Add(amount)
	}
	add(DetailArtwork, decimal.NewFromInt(u.ArtworksCount), limits.Artworks, prices.Artwork)
	add(DetailStorage, u.StorageUsedGB, limits.StorageGB, prices.StorageGB)
	add(DetailAICredit, decimal.NewFromInt(u.AICreditsUsed), limits.AICredits, prices.AICredit)
	add(DetailTeamMember, decimal.NewFromInt(u.TeamMembersCount), limits.TeamMembers, prices.TeamMember)
	return b
}
