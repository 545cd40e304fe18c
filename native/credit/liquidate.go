package credit

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kerrors "primordia/core/errors"
	"primordia/native/fees"
	"primordia/receipt"
	"primordia/storage"
)

// Liquidate seizes all locked collateral on the line referenced by a margin
// call and applies the proceeds through the waterfall: liquidation fee off
// the top, then fees, then interest, then principal. Whatever the proceeds
// cannot cover is recorded as shortfall. The whole procedure is one
// transaction; a crash can never leave collateral half-seized.
func (e *Engine) Liquidate(ctx context.Context, lineID, marginCallID, requestHash string) (*Result, error) {
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, err := lockLine(tx, lineID)
		if err != nil {
			return err
		}
		if line.Status == storage.LineClosed || line.Status == storage.LineLiquidated {
			return kerrors.Wrap(kerrors.KindPrecondition, "liquidate", errLineTerminal)
		}
		call, err := lockMarginCall(tx, marginCallID, lineID)
		if err != nil {
			return err
		}
		if call.Status == storage.MarginResolved || call.Status == storage.MarginLiquidated {
			return kerrors.Newf(kerrors.KindPrecondition, "margin call %s is %s", call.ID, call.Status)
		}
		position, err := lockPosition(tx, lineID)
		if err != nil {
			return err
		}

		var locks []storage.CollateralLock
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Order("created_at ASC").
			Find(&locks, "credit_line_id = ? AND status = ?", lineID, storage.CollateralLocked).Error
		if err != nil {
			return fmt.Errorf("credit engine: load collateral: %w", err)
		}

		var totalCollateral int64
		lockDetails := make([]any, 0, len(locks))
		for i := range locks {
			locks[i].Status = storage.CollateralLiquidated
			if err := tx.Save(&locks[i]).Error; err != nil {
				return err
			}
			totalCollateral += locks[i].AmountUsdMicros
			lockDetails = append(lockDetails, map[string]any{
				"lock_id":           locks[i].ID,
				"asset_ref":         locks[i].AssetRef,
				"amount_usd_micros": locks[i].AmountUsdMicros,
			})
		}

		liqFee := fees.Liquidate(totalCollateral)
		net := totalCollateral - liqFee

		feesCovered := minInt64(net, position.FeesMicros)
		net -= feesCovered
		interestCovered := minInt64(net, position.InterestMicros)
		net -= interestCovered
		principalCovered := minInt64(net, position.PrincipalMicros)
		net -= principalCovered

		owed := position.PrincipalMicros + position.InterestMicros + position.FeesMicros
		shortfall := owed - (feesCovered + interestCovered + principalCovered)

		position.FeesMicros -= feesCovered
		position.InterestMicros -= interestCovered
		position.PrincipalMicros -= principalCovered
		if err := tx.Save(position).Error; err != nil {
			return err
		}

		line.Status = storage.LineLiquidated
		if err := tx.Save(line).Error; err != nil {
			return err
		}
		call.Status = storage.MarginLiquidated
		if err := tx.Save(call).Error; err != nil {
			return err
		}

		r, err := e.seal(tx, receipt.KindLiq, requestHash, map[string]any{
			"line_id":                        lineID,
			"margin_call_id":                 marginCallID,
			"locks":                          lockDetails,
			"total_collateral_usd_micros":    totalCollateral,
			"liquidation_fee_usd_micros":     liqFee,
			"fees_covered_usd_micros":        feesCovered,
			"interest_covered_usd_micros":    interestCovered,
			"principal_covered_usd_micros":   principalCovered,
			"shortfall_usd_micros":           shortfall,
			"surplus_usd_micros":             net,
			"status":                         storage.LineLiquidated,
		})
		if err != nil {
			return err
		}
		deltas := eventDeltas{
			principal: -principalCovered,
			interest:  -interestCovered,
			fees:      -feesCovered,
			fee:       liqFee,
		}
		if err := appendEvent(tx, lineID, EventLiquidate, requestHash, r, deltas); err != nil {
			return err
		}
		out = &Result{Receipt: r, Line: line, Position: position, FeeCharged: liqFee}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}
