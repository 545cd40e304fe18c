package alloc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	kerrors "primordia/core/errors"
	"primordia/native/fees"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

var errSameWallet = errors.New("alloc engine: source and destination must differ")

// Result is the outcome of an allocation.
type Result struct {
	Receipt    receipt.Receipt
	Allocation *storage.Allocation
	FeeCharged int64
	Replayed   bool
}

// Engine moves budget between wallets. Each allocation is three balance
// mutations in one transaction: amount plus fee leaves the source, amount
// lands in the destination, and the fee lands in the treasury.
type Engine struct {
	db     *gorm.DB
	signer *receipt.Signer
}

// NewEngine wires the allocation engine.
func NewEngine(db *gorm.DB, signer *receipt.Signer) *Engine {
	return &Engine{db: db, signer: signer}
}

// Allocate transfers amount from one wallet to another. Fee: 10 bps, $0.10
// minimum, paid by the source on top of the amount. Idempotent by
// requestHash.
func (e *Engine) Allocate(ctx context.Context, fromWallet, toWallet string, amount int64, windowID *uint64, requestHash string) (*Result, error) {
	if amount <= 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "allocation amount must be positive")
	}
	if fromWallet == "" || toWallet == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "both wallets are required")
	}
	if fromWallet == toWallet {
		return nil, kerrors.Wrap(kerrors.KindPrecondition, "allocate", errSameWallet)
	}

	if replay, err := e.replay(ctx, requestHash); err != nil || replay != nil {
		return replay, err
	}

	fee := fees.Allocate(amount)
	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := wallet.DeductTx(tx, fromWallet, amount+fee, wallet.TxDeduct, "alloc:"+requestHash); err != nil {
			return err
		}
		if _, err := wallet.CreditTx(tx, toWallet, amount, wallet.TxCredit, "alloc:"+requestHash); err != nil {
			return err
		}
		if _, err := wallet.CreditTx(tx, storage.TreasuryWallet, fee, wallet.TxFee, "alloc:"+requestHash); err != nil {
			return err
		}

		fields := map[string]any{
			"from_wallet":       fromWallet,
			"to_wallet":         toWallet,
			"amount_usd_micros": amount,
			"fee_usd_micros":    fee,
			"fee_bps":           fees.AllocateBps,
		}
		if windowID != nil {
			fields["window_id"] = int64(*windowID)
		}
		r, err := e.signer.Issue(receipt.KindAlloc, requestHash, fields)
		if err != nil {
			return fmt.Errorf("alloc engine: issue receipt: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}

		row := storage.Allocation{
			ID:              uuid.NewString(),
			FromWallet:      fromWallet,
			ToWallet:        toWallet,
			AmountUsdMicros: amount,
			FeeUsdMicros:    fee,
			FeeBps:          fees.AllocateBps,
			WindowID:        windowID,
			RequestHash:     requestHash,
			ReceiptHash:     r.Hash(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("alloc engine: persist allocation: %w", err)
		}
		out = &Result{Receipt: r, Allocation: &row, FeeCharged: fee}
		return nil
	})
	if err != nil {
		// A duplicate request_hash insert means a concurrent duplicate won the
		// race; serve its stored receipt instead of an error.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if replay, replayErr := e.replay(ctx, requestHash); replayErr == nil && replay != nil {
				return replay, nil
			}
		}
		return nil, err
	}
	return out, nil
}

// Allocations lists transfers touching the wallet, newest first.
func (e *Engine) Allocations(ctx context.Context, walletID string) ([]storage.Allocation, error) {
	var rows []storage.Allocation
	err := e.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&rows, "from_wallet = ? OR to_wallet = ?", walletID, walletID).Error
	if err != nil {
		return nil, fmt.Errorf("alloc engine: list: %w", err)
	}
	return rows, nil
}

// Coverage summarizes what a wallet received for one window.
type Coverage struct {
	Wallet          string `json:"wallet"`
	WindowID        uint64 `json:"window_id"`
	TotalUsdMicros  int64  `json:"total_usd_micros"`
	AllocationCount int64  `json:"allocation_count"`
}

// Coverage sums the allocations credited to walletID under windowID.
func (e *Engine) Coverage(ctx context.Context, walletID string, windowID uint64) (*Coverage, error) {
	var rows []storage.Allocation
	err := e.db.WithContext(ctx).
		Find(&rows, "to_wallet = ? AND window_id = ?", walletID, windowID).Error
	if err != nil {
		return nil, fmt.Errorf("alloc engine: coverage: %w", err)
	}
	cov := &Coverage{Wallet: walletID, WindowID: windowID}
	for _, row := range rows {
		cov.TotalUsdMicros += row.AmountUsdMicros
		cov.AllocationCount++
	}
	return cov, nil
}

func (e *Engine) replay(ctx context.Context, requestHash string) (*Result, error) {
	if requestHash == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}
	var row storage.Allocation
	err := e.db.WithContext(ctx).First(&row, "request_hash = ?", requestHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alloc engine: replay lookup: %w", err)
	}
	r, err := receipt.Load(e.db.WithContext(ctx), row.ReceiptHash)
	if err != nil {
		return nil, fmt.Errorf("alloc engine: load replay receipt: %w", err)
	}
	return &Result{Receipt: r, Allocation: &row, FeeCharged: 0, Replayed: true}, nil
}
