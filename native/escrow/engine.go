package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kerrors "primordia/core/errors"
	"primordia/native/fees"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

var (
	errNotBuyer = errors.New("escrow engine: caller is not the buyer")
	errNotParty = errors.New("escrow engine: caller is not a party")
)

// Result is the outcome of an escrow operation.
type Result struct {
	Receipt    receipt.Receipt
	Escrow     *storage.Escrow
	FeeCharged int64
	Replayed   bool
}

// Engine holds two-party escrows. The hold is enforced through status
// transitions rather than balance movement; releasing emits a settlement
// receipt between the parties.
type Engine struct {
	db     *gorm.DB
	signer *receipt.Signer
}

// NewEngine wires the escrow engine.
func NewEngine(db *gorm.DB, signer *receipt.Signer) *Engine {
	return &Engine{db: db, signer: signer}
}

// Create opens an escrow between buyer and seller. Free.
func (e *Engine) Create(ctx context.Context, buyer, seller string, amount int64, description string, expiresMS int64, requestHash string) (*Result, error) {
	if buyer == "" || seller == "" || buyer == seller {
		return nil, kerrors.New(kerrors.KindPrecondition, "buyer and seller must differ")
	}
	if amount <= 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "escrow amount must be positive")
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := storage.Escrow{
			ID:              uuid.NewString(),
			Buyer:           buyer,
			Seller:          seller,
			AmountUsdMicros: amount,
			Description:     description,
			ExpiresMS:       expiresMS,
			Status:          storage.EscrowLocked,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("escrow engine: create: %w", err)
		}
		r, err := e.signer.Issue(receipt.KindMSR, requestHash, map[string]any{
			"action":            "escrow_create",
			"escrow_id":         row.ID,
			"buyer":             buyer,
			"seller":            seller,
			"amount_usd_micros": amount,
			"expires_ms":        expiresMS,
			"status":            storage.EscrowLocked,
		})
		if err != nil {
			return fmt.Errorf("escrow engine: issue receipt: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}
		out = &Result{Receipt: r, Escrow: &row}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// Release settles a locked escrow. Only the buyer may release; the emitted
// settlement receipt names the buyer as payer and the seller as payee.
func (e *Engine) Release(ctx context.Context, escrowID, caller, requestHash string) (*Result, error) {
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if row.Status != storage.EscrowLocked {
			return kerrors.Newf(kerrors.KindPrecondition, "escrow %s is %s, not locked", escrowID, row.Status)
		}
		if caller != row.Buyer {
			return kerrors.Wrap(kerrors.KindPrecondition, "escrow release", errNotBuyer)
		}

		r, err := e.signer.Issue(receipt.KindMSR, requestHash, map[string]any{
			"action":            "escrow_release",
			"escrow_id":         row.ID,
			"payer_agent_id":    row.Buyer,
			"payee_agent_id":    row.Seller,
			"price_usd_micros":  row.AmountUsdMicros,
			"units":             int64(1),
			"resource_type":     "escrow",
		})
		if err != nil {
			return fmt.Errorf("escrow engine: issue release receipt: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}
		row.Status = storage.EscrowReleased
		row.ReleaseReceipt = r.Hash()
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		out = &Result{Receipt: r, Escrow: row}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// Dispute freezes a locked escrow. Either party may dispute; resolution goes
// through the paid default-resolve flow.
func (e *Engine) Dispute(ctx context.Context, escrowID, caller, reason, requestHash string) (*Result, error) {
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if row.Status != storage.EscrowLocked {
			return kerrors.Newf(kerrors.KindPrecondition, "escrow %s is %s, not locked", escrowID, row.Status)
		}
		if caller != row.Buyer && caller != row.Seller {
			return kerrors.Wrap(kerrors.KindPrecondition, "escrow dispute", errNotParty)
		}
		row.Status = storage.EscrowDisputed
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		r, err := e.signer.Issue(receipt.KindMSR, requestHash, map[string]any{
			"action":    "escrow_dispute",
			"escrow_id": row.ID,
			"raised_by": caller,
			"reason":    reason,
			"status":    storage.EscrowDisputed,
		})
		if err != nil {
			return fmt.Errorf("escrow engine: issue dispute receipt: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}
		out = &Result{Receipt: r, Escrow: row}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// Expire moves a locked escrow past its deadline to expired. Anyone may
// trigger it once the deadline has passed.
func (e *Engine) Expire(ctx context.Context, escrowID string, nowMS int64, requestHash string) (*Result, error) {
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if row.Status != storage.EscrowLocked {
			return kerrors.Newf(kerrors.KindPrecondition, "escrow %s is %s, not locked", escrowID, row.Status)
		}
		if nowMS < row.ExpiresMS {
			return kerrors.Newf(kerrors.KindPrecondition, "escrow %s does not expire until %d", escrowID, row.ExpiresMS)
		}
		row.Status = storage.EscrowExpired
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		r, err := e.signer.Issue(receipt.KindMSR, requestHash, map[string]any{
			"action":    "escrow_expire",
			"escrow_id": row.ID,
			"status":    storage.EscrowExpired,
		})
		if err != nil {
			return fmt.Errorf("escrow engine: issue expire receipt: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}
		out = &Result{Receipt: r, Escrow: row}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// ResolveParams decide a disputed escrow. Outcome is "release" (pay the
// seller) or "refund" (return to the buyer, status expired).
type ResolveParams struct {
	Outcome string
	Reason  string
}

// Resolve settles a disputed escrow. This is the paid default-resolution
// operation; the flat fee is charged to the party the ruling favors against,
// the caller, before the status moves.
func (e *Engine) Resolve(ctx context.Context, escrowID, caller string, p ResolveParams, requestHash string) (*Result, error) {
	if p.Outcome != "release" && p.Outcome != "refund" {
		return nil, kerrors.Newf(kerrors.KindPrecondition, "unknown resolution outcome %q", p.Outcome)
	}
	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Quote(fees.OpDefaultResolve)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if row.Status != storage.EscrowDisputed {
			return kerrors.Newf(kerrors.KindPrecondition, "escrow %s is %s, not disputed", escrowID, row.Status)
		}
		if caller != row.Buyer && caller != row.Seller {
			return kerrors.Wrap(kerrors.KindPrecondition, "escrow resolve", errNotParty)
		}
		if _, err := wallet.DeductTx(tx, caller, fee, wallet.TxFee, "default_resolve:"+escrowID); err != nil {
			return err
		}

		fields := map[string]any{
			"action":         "escrow_resolve",
			"escrow_id":      row.ID,
			"outcome":        p.Outcome,
			"reason":         p.Reason,
			"fee_usd_micros": fee,
		}
		if p.Outcome == "release" {
			fields["payer_agent_id"] = row.Buyer
			fields["payee_agent_id"] = row.Seller
			fields["price_usd_micros"] = row.AmountUsdMicros
			row.Status = storage.EscrowReleased
		} else {
			row.Status = storage.EscrowExpired
		}
		r, err := e.signer.Issue(receipt.KindMSR, requestHash, fields)
		if err != nil {
			return fmt.Errorf("escrow engine: issue resolve receipt: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}
		if row.Status == storage.EscrowReleased {
			row.ReleaseReceipt = r.Hash()
		}
		if err := tx.Save(row).Error; err != nil {
			return err
		}
		out = &Result{Receipt: r, Escrow: row, FeeCharged: fee}
		return nil
	})
	if err != nil {
		return e.replayOnConflict(ctx, requestHash, err)
	}
	return out, nil
}

// Get loads one escrow.
func (e *Engine) Get(ctx context.Context, escrowID string) (*storage.Escrow, error) {
	var row storage.Escrow
	err := e.db.WithContext(ctx).First(&row, "id = ?", escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "escrow %s not found", escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow engine: load: %w", err)
	}
	return &row, nil
}

func (e *Engine) replay(ctx context.Context, requestHash string) (*Result, error) {
	if requestHash == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}
	r, err := receipt.FindByRequestHash(e.db.WithContext(ctx), requestHash)
	if err != nil {
		return nil, fmt.Errorf("escrow engine: replay lookup: %w", err)
	}
	if r == nil {
		return nil, nil
	}
	out := &Result{Receipt: r, FeeCharged: 0, Replayed: true}
	if id := receipt.FieldString(map[string]any(r), "escrow_id"); id != "" {
		row, err := e.Get(ctx, id)
		if err == nil {
			out.Escrow = row
		}
	}
	return out, nil
}

// replayOnConflict resolves a duplicate request_hash insertion race by
// serving the stored receipt, so concurrent duplicates collapse to one
// execution.
func (e *Engine) replayOnConflict(ctx context.Context, requestHash string, cause error) (*Result, error) {
	if !errors.Is(cause, gorm.ErrDuplicatedKey) {
		return nil, cause
	}
	replay, err := e.replay(ctx, requestHash)
	if err != nil || replay == nil {
		return nil, cause
	}
	return replay, nil
}

func lockEscrow(tx *gorm.DB, escrowID string) (*storage.Escrow, error) {
	var row storage.Escrow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "escrow %s not found", escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow engine: lock: %w", err)
	}
	return &row, nil
}
