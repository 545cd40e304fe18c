package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kerrors "primordia/core/errors"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

// FreeSettlementsPerPeriod is the monthly free-tier allowance per payer.
const FreeSettlementsPerPeriod = 100

// OverageFeeUsdMicros is charged per settlement once the free tier is spent.
const OverageFeeUsdMicros = int64(100_000)

var errSelfSettle = errors.New("settlement engine: payer and payee must differ")

// Result is the outcome of a settlement.
type Result struct {
	Receipt    receipt.Receipt
	FeeCharged int64
	FreeTier   bool
	Replayed   bool
}

// Engine registers agents and issues kernel-signed settlement receipts
// between them. Each payer gets a monthly free-tier allowance; the period
// bucket is derived from the receipt timestamp, never from a clock
// comparison at read time, so replays and restarts see the same bucket.
type Engine struct {
	db     *gorm.DB
	signer *receipt.Signer
}

// NewEngine wires the settlement engine.
func NewEngine(db *gorm.DB, signer *receipt.Signer) *Engine {
	return &Engine{db: db, signer: signer}
}

// Register creates an agent keyed by its Ed25519 public key. Registering
// the same id with the same key is a no-op; a different key is rejected.
func (e *Engine) Register(ctx context.Context, id, displayName, pubkeyHex string) (*storage.Agent, error) {
	if id == "" || pubkeyHex == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "agent id and pubkey are required")
	}
	var row storage.Agent
	err := e.db.WithContext(ctx).First(&row, "id = ?", id).Error
	switch {
	case err == nil:
		if row.Pubkey != pubkeyHex {
			return nil, kerrors.Newf(kerrors.KindPrecondition, "agent %s already registered with a different key", id)
		}
		return &row, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("settlement engine: lookup agent: %w", err)
	}

	row = storage.Agent{
		ID:              id,
		DisplayName:     displayName,
		Pubkey:          pubkeyHex,
		FreeTierResetMS: e.signer.NowMS(),
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("settlement engine: register agent: %w", err)
	}
	return &row, nil
}

// Agent loads a registered agent.
func (e *Engine) Agent(ctx context.Context, id string) (*storage.Agent, error) {
	var row storage.Agent
	err := e.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "agent %s not registered", id)
	}
	if err != nil {
		return nil, fmt.Errorf("settlement engine: load agent: %w", err)
	}
	return &row, nil
}

// Settle issues a kernel-signed MSR from payer to payee. The payer's
// lifetime volume grows by the amount; the free-tier counter is debited,
// and once exhausted each settlement costs the overage fee. Idempotent by
// requestHash.
func (e *Engine) Settle(ctx context.Context, fromAgent, toAgent string, amount int64, requestHash string) (*Result, error) {
	if fromAgent == toAgent {
		return nil, kerrors.Wrap(kerrors.KindPrecondition, "settle", errSelfSettle)
	}
	if amount <= 0 {
		return nil, kerrors.New(kerrors.KindPrecondition, "settlement amount must be positive")
	}
	if requestHash == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}

	if prior, err := receipt.FindByRequestHash(e.db.WithContext(ctx), requestHash); err != nil {
		return nil, fmt.Errorf("settlement engine: replay lookup: %w", err)
	} else if prior != nil {
		return &Result{Receipt: prior, FeeCharged: 0, Replayed: true}, nil
	}

	var out *Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payer, err := lockAgent(tx, fromAgent)
		if err != nil {
			return err
		}
		if _, err := lockAgent(tx, toAgent); err != nil {
			return err
		}

		nowMS := e.signer.NowMS()
		if periodBucket(nowMS) != periodBucket(payer.FreeTierResetMS) {
			payer.FreeSettlementsUsed = 0
			payer.FreeTierResetMS = nowMS
		}

		free := payer.FreeSettlementsUsed < FreeSettlementsPerPeriod
		fee := int64(0)
		if free {
			payer.FreeSettlementsUsed++
		} else {
			fee = OverageFeeUsdMicros
			if _, err := wallet.DeductTx(tx, fromAgent, fee, wallet.TxFee, "settle:"+requestHash); err != nil {
				return err
			}
		}
		payer.LifetimeVolumeMicros += amount
		if err := tx.Save(payer).Error; err != nil {
			return fmt.Errorf("settlement engine: persist payer: %w", err)
		}

		r, err := e.signer.Issue(receipt.KindMSR, requestHash, map[string]any{
			"payer_agent_id":   fromAgent,
			"payee_agent_id":   toAgent,
			"price_usd_micros": amount,
			"units":            int64(1),
			"free_tier":        free,
			"fee_usd_micros":   fee,
		})
		if err != nil {
			return fmt.Errorf("settlement engine: issue msr: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}
		out = &Result{Receipt: r, FeeCharged: fee, FreeTier: free}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if prior, replayErr := receipt.FindByRequestHash(e.db.WithContext(ctx), requestHash); replayErr == nil && prior != nil {
				return &Result{Receipt: prior, FeeCharged: 0, Replayed: true}, nil
			}
		}
		return nil, err
	}
	return out, nil
}

// QuoteFee returns what one settlement by payerID would cost right now: zero
// inside the free tier or a fresh period, the overage fee once the tier is
// spent. The dispatcher uses it for the pre-execution credit check.
func (e *Engine) QuoteFee(ctx context.Context, payerID string) (int64, error) {
	payer, err := e.Agent(ctx, payerID)
	if err != nil {
		return 0, err
	}
	if periodBucket(e.signer.NowMS()) != periodBucket(payer.FreeTierResetMS) {
		return 0, nil
	}
	if payer.FreeSettlementsUsed < FreeSettlementsPerPeriod {
		return 0, nil
	}
	return OverageFeeUsdMicros, nil
}

// periodBucket maps a timestamp to its calendar month in UTC. Two
// timestamps share a free-tier period iff they share a bucket.
func periodBucket(ms int64) int64 {
	t := time.UnixMilli(ms).UTC()
	return int64(t.Year())*12 + int64(t.Month()) - 1
}

func lockAgent(tx *gorm.DB, id string) (*storage.Agent, error) {
	var row storage.Agent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "agent %s not registered", id)
	}
	if err != nil {
		return nil, fmt.Errorf("settlement engine: lock agent: %w", err)
	}
	return &row, nil
}
