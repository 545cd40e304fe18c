package wallet

// Pack is a purchasable credit bundle surfaced by the credit.packs catalog.
// Top-ups themselves arrive through the external payment gateway, which
// calls Credit with the purchased amount.
type Pack struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AmountUsdMicros int64 `json:"amount_usd_micros"`
}

// Packs returns the static catalog. The team pack matches the wallet floor
// required for audit-grade MBS/ALR queries.
func Packs() []Pack {
	return []Pack{
		{ID: "pack_starter", Name: "Starter", AmountUsdMicros: 25_000_000},
		{ID: "pack_growth", Name: "Growth", AmountUsdMicros: 250_000_000},
		{ID: "pack_scale", Name: "Scale", AmountUsdMicros: 2_500_000_000},
		{ID: "pack_team", Name: "Team", AmountUsdMicros: 25_000_000_000},
	}
}
