package fees

// Operation identifiers used for fee quoting across the kernel.
const (
	OpLineOpen       = "line_open"
	OpLineUpdate     = "line_update"
	OpLineClose      = "line_close"
	OpDraw           = "draw"
	OpRepay          = "repay"
	OpInterestAccrue = "interest_accrue"
	OpFeeApply       = "fee_apply"
	OpMarginCall     = "margin_call"
	OpCollateralLock = "collateral_lock"
	OpCollateralUnlk = "collateral_unlock"
	OpLiquidate      = "liquidate"
	OpAllocate       = "allocate"
	OpNetting        = "netting"
	OpMBSQuery       = "mbs_query"
	OpALRGenerate    = "alr_generate"
	OpDefaultResolve = "default_resolve"
	OpSealIssue      = "seal_issue"
)

// Flat fee amounts in USD-micros.
const (
	Million = int64(1_000_000)

	LineOpenMinimum    = 50 * Million
	LineUpdateFlat     = 10 * Million
	DrawMinimum        = 10 * Million
	InterestAccrueFlat = 1 * Million
	FeeApplyFlat       = 1 * Million
	MarginCallFlat     = 100 * Million
	CollateralFlat     = 10 * Million
	AllocateMinimum    = 100_000
	MBSFlat            = 100 * Million
	ALRFlat            = 100 * Million
	DefaultResolveFlat = 25_000 * Million
	SealIssueFlat      = 1_000 * Million

	// PackTeamMinimum is the wallet floor required for audit-grade queries.
	PackTeamMinimum = 25_000 * Million
)

// Basis-point rates.
const (
	LineOpenBps  = int64(50)
	DrawBps      = int64(10)
	LiquidateBps = int64(500)
	AllocateBps  = int64(10)
	NettingBps   = int64(5)
)

// bpsOf computes bps basis points of amount, truncating toward zero.
func bpsOf(amount, bps int64) int64 {
	return amount * bps / 10_000
}

// maxInt64 returns the larger of a and b.
func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// LineOpen quotes the origination fee: 50 bps of the limit, $50 minimum.
func LineOpen(limitUsdMicros int64) int64 {
	return maxInt64(bpsOf(limitUsdMicros, LineOpenBps), LineOpenMinimum)
}

// Draw quotes the draw fee: 10 bps of the amount, $10 minimum.
func Draw(amountUsdMicros int64) int64 {
	return maxInt64(bpsOf(amountUsdMicros, DrawBps), DrawMinimum)
}

// Liquidate quotes 500 bps of the liquidated collateral value.
func Liquidate(collateralUsdMicros int64) int64 {
	return bpsOf(collateralUsdMicros, LiquidateBps)
}

// Allocate quotes 10 bps of the transfer, $0.10 minimum.
func Allocate(amountUsdMicros int64) int64 {
	return maxInt64(bpsOf(amountUsdMicros, AllocateBps), AllocateMinimum)
}

// Netting quotes the per-receipt netting fee. Each receipt is currently
// priced as a $1 notional at 5 bps.
// TODO(pricing): replace the per-receipt $1 notional with the summed receipt
// amounts once the fee model is confirmed.
func Netting(receiptCount int) int64 {
	return bpsOf(int64(receiptCount)*Million, NettingBps)
}

// Quote returns the flat fee for operations without an amount component.
func Quote(op string) int64 {
	switch op {
	case OpLineUpdate:
		return LineUpdateFlat
	case OpLineClose, OpRepay:
		return 0
	case OpInterestAccrue:
		return InterestAccrueFlat
	case OpFeeApply:
		return FeeApplyFlat
	case OpMarginCall:
		return MarginCallFlat
	case OpCollateralLock, OpCollateralUnlk:
		return CollateralFlat
	case OpMBSQuery:
		return MBSFlat
	case OpALRGenerate:
		return ALRFlat
	case OpDefaultResolve:
		return DefaultResolveFlat
	case OpSealIssue:
		return SealIssueFlat
	default:
		return 0
	}
}
