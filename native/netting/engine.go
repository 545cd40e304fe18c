package netting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"primordia/canonical"
	kerrors "primordia/core/errors"
	"primordia/crypto"
	"primordia/native/fees"
	"primordia/native/index"
	"primordia/native/wallet"
	"primordia/receipt"
	"primordia/storage"
)

// VerificationPolicy controls how hard the engine looks at input receipts.
type VerificationPolicy int

const (
	// Strict verifies every input signature against the payer's registered
	// public key. Production default.
	Strict VerificationPolicy = iota
	// TrustedInputs skips signature checks and only validates payload shape.
	// Test harnesses and replay tooling use this.
	TrustedInputs
)

var errJobInProgress = errors.New("netting engine: job already in progress")

// Result is the outcome of one netting run.
type Result struct {
	IAN         receipt.Receipt
	NettingHash string
	FeeCharged  int64
	Replayed    bool
}

// Engine nets signed settlement receipts into one kernel-signed IAN per
// input set. Runs are idempotent by input hash; a completed job replays its
// stored IAN without touching the wallet again.
type Engine struct {
	db      *gorm.DB
	signer  *receipt.Signer
	indexer *index.Engine
	policy  VerificationPolicy
}

// NewEngine wires the netting engine.
func NewEngine(db *gorm.DB, signer *receipt.Signer, indexer *index.Engine, policy VerificationPolicy) *Engine {
	return &Engine{db: db, signer: signer, indexer: indexer, policy: policy}
}

// Net runs the full pipeline: verify inputs, deduplicate, cancel bilateral
// flows, charge the fee, issue the IAN, and submit it to the index. The
// caller may pin idempotency with requestHash; when empty the input hash is
// derived from the agent and the sorted receipt hashes.
func (e *Engine) Net(ctx context.Context, agent string, payloads []map[string]any, requestHash string) (*Result, error) {
	settlements, err := e.verifyInputs(ctx, payloads)
	if err != nil {
		return nil, err
	}

	// Deduplicate by content hash before netting.
	seen := make(map[string]bool, len(settlements))
	unique := settlements[:0]
	for _, s := range settlements {
		if seen[s.hash] {
			continue
		}
		seen[s.hash] = true
		unique = append(unique, s)
	}

	result := net(unique)

	inputHash := requestHash
	if inputHash == "" {
		data, err := canonical.Canonicalize(map[string]any{
			"agent":    agent,
			"receipts": result.receiptHashes,
		})
		if err != nil {
			return nil, kerrors.Wrap(kerrors.KindEncoding, "netting input", err)
		}
		inputHash = crypto.Hash(data)
	}

	if replay, err := e.claimJob(ctx, agent, inputHash, result.receiptHashes); err != nil {
		return nil, err
	} else if replay != nil {
		return replay, nil
	}

	fee := int64(0)
	if len(unique) > 0 {
		fee = fees.Netting(len(unique))
	}
	if fee > 0 {
		if _, err := e.walletDeduct(ctx, agent, fee, inputHash); err != nil {
			e.markFailed(ctx, inputHash, 0)
			return nil, err
		}
	}

	out, err := e.issue(ctx, agent, inputHash, fee, result)
	if err != nil {
		if fee > 0 {
			if _, refundErr := e.walletRefund(ctx, agent, fee, inputHash); refundErr != nil {
				err = fmt.Errorf("%w (refund also failed: %v)", err, refundErr)
			}
		}
		e.markFailed(ctx, inputHash, 0)
		return nil, err
	}
	return out, nil
}

// QuoteFee prices a run over these payloads before verification, collapsing
// duplicates the same way the run itself does. Malformed payloads are skipped
// here; the run will reject them with a typed error.
func QuoteFee(payloads []map[string]any) int64 {
	seen := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		hash, err := receipt.AgentPayloadHash(p)
		if err != nil {
			continue
		}
		seen[hash] = true
	}
	if len(seen) == 0 {
		return 0
	}
	return fees.Netting(len(seen))
}

// verifyInputs validates every payload and computes its content hash. Under
// Strict policy the payer must be a registered agent and the signature must
// verify against its key.
func (e *Engine) verifyInputs(ctx context.Context, payloads []map[string]any) ([]settlement, error) {
	settlements := make([]settlement, 0, len(payloads))
	for i, p := range payloads {
		var hash string
		var err error
		if e.policy == Strict {
			payer := receipt.FieldString(p, "payer_agent_id")
			var row storage.Agent
			lookupErr := e.db.WithContext(ctx).First(&row, "id = ?", payer).Error
			if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return nil, kerrors.Newf(kerrors.KindPrecondition, "receipt %d: payer %s not registered", i, payer)
			}
			if lookupErr != nil {
				return nil, fmt.Errorf("netting engine: payer lookup: %w", lookupErr)
			}
			hash, err = receipt.VerifyMSR(p, row.Pubkey)
		} else {
			hash, err = receipt.AgentPayloadHash(p)
		}
		if err != nil {
			return nil, kerrors.Wrap(kerrors.KindSignatureInvalid, fmt.Sprintf("receipt %d", i), err)
		}
		s, err := parseSettlement(hash, p)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.KindEncoding, fmt.Sprintf("receipt %d", i), err)
		}
		settlements = append(settlements, s)
	}
	return settlements, nil
}

// claimJob inserts the job row, or replays/rejects when one already exists.
// The unique input_hash index makes concurrent duplicates collapse to one
// effective execution.
func (e *Engine) claimJob(ctx context.Context, agent, inputHash string, receiptHashes []string) (*Result, error) {
	job := storage.NettingJob{
		JobID:         uuid.NewString(),
		Agent:         agent,
		InputHash:     inputHash,
		ReceiptHashes: strings.Join(receiptHashes, ","),
		Status:        storage.NettingPending,
	}
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
	if res.Error != nil {
		return nil, fmt.Errorf("netting engine: claim job: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil, nil
	}

	var existing storage.NettingJob
	if err := e.db.WithContext(ctx).First(&existing, "input_hash = ?", inputHash).Error; err != nil {
		return nil, fmt.Errorf("netting engine: load existing job: %w", err)
	}
	switch existing.Status {
	case storage.NettingCompleted:
		value, err := canonical.Parse([]byte(existing.IANPayload))
		if err != nil {
			return nil, fmt.Errorf("netting engine: decode stored ian: %w", err)
		}
		fields, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("netting engine: stored ian is not a mapping")
		}
		return &Result{
			IAN:         receipt.Receipt(fields),
			NettingHash: existing.NettingHash,
			FeeCharged:  0,
			Replayed:    true,
		}, nil
	case storage.NettingFailed:
		// Failed runs may retry: reset the row to pending and continue.
		err := e.db.WithContext(ctx).Model(&existing).
			Update("status", storage.NettingPending).Error
		if err != nil {
			return nil, fmt.Errorf("netting engine: reset failed job: %w", err)
		}
		return nil, nil
	default:
		return nil, kerrors.Wrap(kerrors.KindPrecondition, "netting", errJobInProgress)
	}
}

// issue signs the IAN, persists it, submits it to the index, and completes
// the job, all in one transaction.
func (e *Engine) issue(ctx context.Context, agent, inputHash string, fee int64, result netResult) (*Result, error) {
	obls := make([]any, len(result.obligations))
	for i, o := range result.obligations {
		obls[i] = o.toMap()
	}
	netHash, err := nettingHash(inputHash, result.receiptHashes, result.obligations)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindEncoding, "netting hash", err)
	}

	var out Result
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ian, err := e.signer.Issue(receipt.KindIAN, inputHash, map[string]any{
			"agent":                  agent,
			"participants":           result.participants,
			"receipt_hashes":         result.receiptHashes,
			"receipt_count":          int64(len(result.receiptHashes)),
			"net_obligations":        obls,
			"netting_hash":           netHash,
			"total_volume_usd_micros": result.totalVolume,
			"fee_usd_micros":         fee,
		})
		if err != nil {
			return fmt.Errorf("netting engine: issue ian: %w", err)
		}
		if err := receipt.SaveTx(tx, ian); err != nil {
			return err
		}
		if _, err := e.indexer.SubmitTx(tx, "ian", ian.Hash()); err != nil {
			return err
		}
		payload, err := ian.CanonicalJSON()
		if err != nil {
			return err
		}
		err = tx.Model(&storage.NettingJob{}).
			Where("input_hash = ?", inputHash).
			Updates(map[string]any{
				"status":       storage.NettingCompleted,
				"ian_payload":  string(payload),
				"netting_hash": ian.Hash(),
				"fee_charged":  fee,
			}).Error
		if err != nil {
			return fmt.Errorf("netting engine: complete job: %w", err)
		}
		out = Result{IAN: ian, NettingHash: ian.Hash(), FeeCharged: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *Engine) walletDeduct(ctx context.Context, agent string, fee int64, reference string) (int64, error) {
	var balance int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = wallet.DeductTx(tx, agent, fee, wallet.TxFee, "netting:"+reference)
		return err
	})
	return balance, err
}

func (e *Engine) walletRefund(ctx context.Context, agent string, fee int64, reference string) (int64, error) {
	var balance int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = wallet.CreditTx(tx, agent, fee, wallet.TxRefund, "netting:"+reference)
		return err
	})
	return balance, err
}

func (e *Engine) markFailed(ctx context.Context, inputHash string, fee int64) {
	e.db.WithContext(ctx).Model(&storage.NettingJob{}).
		Where("input_hash = ?", inputHash).
		Updates(map[string]any{"status": storage.NettingFailed, "fee_charged": fee})
}
