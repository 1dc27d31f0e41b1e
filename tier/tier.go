package tier

import "github.com/shopspring/decimal"

// Tier is a named subscription level
type Tier string

// Defining the subscription tiers, including the legacy ones still present on old records
const (
	Free       Tier = "free"
	Starter    Tier = "starter"
	Creator    Tier = "creator"
	Business   Tier = "business"
	Enterprise Tier = "enterprise"

	LegacyStandard Tier = "standard"
	LegacyPremium  Tier = "premium"
)

// Unlimited is the sentinel limit meaning a category is never metered
const Unlimited int64 = -1

// Limits are the monthly quotas of a tier
type Limits struct {
	Artworks    int64 `json:"artworks"`
	StorageGB   int64 `json:"storageGB"`
	AICredits   int64 `json:"aiCredits"`
	TeamMembers int64 `json:"teamMembers"`
}

// OveragePricing is the per unit price of usage beyond a tier's quota
type OveragePricing struct {
	Artwork    decimal.Decimal `json:"artwork"`
	StorageGB  decimal.Decimal `json:"storageGB"`
	AICredit   decimal.Decimal `json:"aiCredit"`
	TeamMember decimal.Decimal `json:"teamMember"`
}

// Price describes a recurring gateway price that maps onto a paid tier
type Price struct {
	ID      string          `json:"id"`
	Tier    Tier            `json:"tier"`
	Monthly decimal.Decimal `json:"monthly"`
	Legacy  bool            `json:"legacy"`
}

var limits = map[Tier]Limits{
	Starter:    {Artworks: 25, StorageGB: 5, AICredits: 50, TeamMembers: 1},
	Creator:    {Artworks: 100, StorageGB: 25, AICredits: 200, TeamMembers: 1},
	Business:   {Artworks: Unlimited, StorageGB: 100, AICredits: 500, TeamMembers: 5},
	Enterprise: {Artworks: Unlimited, StorageGB: Unlimited, AICredits: Unlimited, TeamMembers: Unlimited},
}

var prices = []Price{
	{ID: "price_starter_monthly_499", Tier: Starter, Monthly: decimal.RequireFromString("4.99")},
	{ID: "price_creator_monthly_1299", Tier: Creator, Monthly: decimal.RequireFromString("12.99")},
	{ID: "price_business_monthly_2999", Tier: Business, Monthly: decimal.RequireFromString("29.99")},
	{ID: "price_enterprise_monthly_7999", Tier: Enterprise, Monthly: decimal.RequireFromString("79.99")},
	{ID: "price_artist_pro_monthly", Tier: Creator, Legacy: true},
	{ID: "price_gallery_monthly", Tier: Business, Legacy: true},
}

var priceToTier = func() map[string]Tier {
	m := make(map[string]Tier, len(prices))
	for _, p := range prices {
		m[p.ID] = p.Tier
	}
	return m
}()

var displayNames = map[Tier]string{
	Free:           "Free",
	Starter:        "Starter",
	Creator:        "Creator",
	Business:       "Business",
	Enterprise:     "Enterprise",
	LegacyStandard: "Artist Pro",
	LegacyPremium:  "Gallery",
}

var ranks = map[Tier]int{
	Free:           0,
	Starter:        1,
	Creator:        2,
	LegacyStandard: 2,
	Business:       3,
	LegacyPremium:  3,
	Enterprise:     4,
}

var overagePricing = OveragePricing{
	Artwork:    decimal.RequireFromString("0.99"),
	StorageGB:  decimal.RequireFromString("0.49"),
	AICredit:   decimal.RequireFromString("0.05"),
	TeamMember: decimal.RequireFromString("9.99"),
}

// LimitsFor returns the quotas of t. Tiers without a quota table, including free, get the starter quotas.
func LimitsFor(t Tier) Limits {
	if l, ok := limits[t]; ok {
		return l
	}
	return limits[Starter]
}

// FromPriceID resolves the tier a gateway price belongs to. Unknown prices resolve to free.
func FromPriceID(priceID string) Tier {
	if t, ok := priceToTier[priceID]; ok {
		return t
	}
	return Free
}

// DisplayName returns the user facing name of t
func DisplayName(t Tier) string {
	if n, ok := displayNames[t]; ok {
		return n
	}
	return string(t)
}

// Rank orders tiers so upgrades and downgrades can be told apart
func Rank(t Tier) int {
	return ranks[t]
}

// IsPaid reports whether t is billed
func IsPaid(t Tier) bool {
	return Rank(t) > 0
}

// Overages returns the per unit overage prices
func Overages() OveragePricing {
	return overagePricing
}

// Prices returns the current and legacy gateway prices known to the catalog
func Prices() []Price {
	out := make([]Price, len(prices))
	copy(out, prices)
	return out
}
