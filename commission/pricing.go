package commission

import (
	"github.com/shopspring/decimal"
)

var (
	commercialMultiplier = decimal.RequireFromString("1.5")
	revisionSurcharge    = decimal.RequireFromString("0.1")
	defaultDepositPct    = decimal.NewFromInt(50)
	hundred              = decimal.NewFromInt(100)
)

// Pricing is the output of the pricing calculator
type Pricing struct {
	BasePrice         decimal.Decimal `json:"basePrice"`
	TypeSurcharge     decimal.Decimal `json:"typeSurcharge"`
	SizeSurcharge     decimal.Decimal `json:"sizeSurcharge"`
	CommercialUse     bool            `json:"commercialUse"`
	ExtraRevisions    int             `json:"extraRevisions"`
	TotalPrice        decimal.Decimal `json:"totalPrice"`
	DepositPercentage decimal.Decimal `json:"depositPercentage"`
	DepositAmount     decimal.Decimal `json:"depositAmount"`
	RemainingAmount   decimal.Decimal `json:"remainingAmount"`
}

// DefaultSettings are used for artists who never configured pricing
func DefaultSettings(artistID string) *ArtistSettings {
	return &ArtistSettings{
		ArtistID:          artistID,
		BasePrice:         decimal.Zero,
		DepositPercentage: defaultDepositPct,
	}
}

// CalculatePricing quotes specs against the artist's settings. It is pure: identical
// settings and specs always produce the same result.
func CalculatePricing(settings *ArtistSettings, commissionType string, specs Specs) Pricing {
	if settings == nil {
		settings = DefaultSettings("")
	}
	p := Pricing{
		BasePrice:     settings.BasePrice,
		TypeSurcharge: settings.TypePricing.Data()[commissionType],
		SizeSurcharge: settings.SizePricing.Data()[specs.Size],
		CommercialUse: specs.CommercialUse,
	}

	running := p.BasePrice.Add(p.TypeSurcharge).Add(p.SizeSurcharge)
	if specs.CommercialUse {
		running = running.Mul(commercialMultiplier)
	}
	if specs.Revisions > 1 {
		p.ExtraRevisions = specs.Revisions - 1
		extra := decimal.NewFromInt(int64(p.ExtraRevisions)).Mul(revisionSurcharge).Mul(running)
		running = running.Add(extra)
	}
	p.TotalPrice = running.Round(2)

	p.DepositPercentage = settings.DepositPercentage
	if !p.DepositPercentage.IsPositive() || p.DepositPercentage.GreaterThan(hundred) {
		p.DepositPercentage = defaultDepositPct
	}
	p.DepositAmount = p.TotalPrice.Mul(p.DepositPercentage).Div(hundred).Round(2)
	p.RemainingAmount = p.TotalPrice.Sub(p.DepositAmount)
	return p
}

// splitQuote applies the default 50/50 split to whichever side was left out
func splitQuote(total decimal.Decimal, deposit, final *decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	switch {
	case deposit != nil && final != nil:
		return *deposit, *final
	case deposit != nil:
		return *deposit, total.Sub(*deposit)
	case final != nil:
		return total.Sub(*final), *final
	default:
		d := total.Mul(defaultDepositPct).Div(hundred).Round(2)
		return d, total.Sub(d)
	}
}
