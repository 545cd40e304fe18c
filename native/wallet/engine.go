package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kerrors "primordia/core/errors"
	"primordia/storage"
)

var errInvalidAmount = errors.New("wallet engine: amount must be positive")

// Transaction log types.
const (
	TxCredit = "credit"
	TxDeduct = "deduct"
	TxRefund = "refund"
	TxFee    = "fee"
)

// Engine mediates every balance mutation. All writes run under a row lock so
// concurrent requests against the same wallet serialize instead of losing
// updates.
type Engine struct {
	db          *gorm.DB
	purchaseURL string
}

// NewEngine wires the wallet engine to the storage handle. purchaseURL is
// surfaced in paywall rejections so agents can self-remediate.
func NewEngine(db *gorm.DB, purchaseURL string) *Engine {
	return &Engine{db: db, purchaseURL: purchaseURL}
}

// Balance returns the wallet balance, zero when the wallet is unknown.
func (e *Engine) Balance(ctx context.Context, walletID string) (int64, error) {
	var w storage.Wallet
	err := e.db.WithContext(ctx).First(&w, "id = ?", walletID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, kerrors.Wrap(kerrors.KindInternal, "wallet lookup", err)
	}
	return w.BalanceUsdMicros, nil
}

// Credit adds amount to the wallet inside its own transaction.
func (e *Engine) Credit(ctx context.Context, walletID string, amount int64, txType, reference string) (int64, error) {
	var balance int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = CreditTx(tx, walletID, amount, txType, reference)
		return err
	})
	return balance, err
}

// Deduct removes amount from the wallet inside its own transaction, failing
// with InsufficientFunds when the balance cannot cover it.
func (e *Engine) Deduct(ctx context.Context, walletID string, amount int64, txType, reference string) (int64, error) {
	var balance int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = DeductTx(tx, walletID, amount, txType, reference)
		return err
	})
	return balance, err
}

// RequireCredit rejects with a structured CreditRequiredError when the
// wallet balance is below minRequired. A zero requirement always passes.
func (e *Engine) RequireCredit(ctx context.Context, walletID string, minRequired int64) error {
	if minRequired <= 0 {
		return nil
	}
	balance, err := e.Balance(ctx, walletID)
	if err != nil {
		return err
	}
	if balance < minRequired {
		return &kerrors.CreditRequiredError{
			RequiredUsdMicros:       minRequired,
			CurrentBalanceUsdMicros: balance,
			PurchaseURL:             e.purchaseURL,
		}
	}
	return nil
}

// CreditTx applies a credit inside an existing transaction so callers can
// compose wallet movement with their own state changes. The wallet row is
// upserted under lock and the movement appended to the transaction log.
func CreditTx(tx *gorm.DB, walletID string, amount int64, txType, reference string) (int64, error) {
	if amount <= 0 {
		return 0, errInvalidAmount
	}
	w, err := lockWallet(tx, walletID)
	if err != nil {
		return 0, err
	}
	w.BalanceUsdMicros += amount
	if err := tx.Save(w).Error; err != nil {
		return 0, fmt.Errorf("wallet engine: persist credit: %w", err)
	}
	if err := appendLog(tx, walletID, txType, amount, reference); err != nil {
		return 0, err
	}
	return w.BalanceUsdMicros, nil
}

// DeductTx applies a deduction inside an existing transaction. The check and
// decrement happen under the same row lock; insufficient balance leaves the
// wallet untouched.
func DeductTx(tx *gorm.DB, walletID string, amount int64, txType, reference string) (int64, error) {
	if amount <= 0 {
		return 0, errInvalidAmount
	}
	w, err := lockWallet(tx, walletID)
	if err != nil {
		return 0, err
	}
	if w.BalanceUsdMicros < amount {
		return w.BalanceUsdMicros, kerrors.Newf(kerrors.KindInsufficientFunds,
			"wallet %s balance %d below %d", walletID, w.BalanceUsdMicros, amount)
	}
	w.BalanceUsdMicros -= amount
	if err := tx.Save(w).Error; err != nil {
		return 0, fmt.Errorf("wallet engine: persist deduct: %w", err)
	}
	if err := appendLog(tx, walletID, txType, -amount, reference); err != nil {
		return 0, err
	}
	return w.BalanceUsdMicros, nil
}

func lockWallet(tx *gorm.DB, walletID string) (*storage.Wallet, error) {
	var w storage.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&w, "id = ?", walletID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w = storage.Wallet{ID: walletID, BalanceUsdMicros: 0}
		if err := tx.Create(&w).Error; err != nil {
			return nil, fmt.Errorf("wallet engine: create wallet: %w", err)
		}
		return &w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet engine: lock wallet: %w", err)
	}
	return &w, nil
}

func appendLog(tx *gorm.DB, walletID, txType string, amount int64, reference string) error {
	entry := storage.WalletTransaction{
		ID:              uuid.NewString(),
		WalletID:        walletID,
		Type:            txType,
		AmountUsdMicros: amount,
		Reference:       reference,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("wallet engine: append log: %w", err)
	}
	return nil
}
