package seal

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kerrors "primordia/core/errors"
	"primordia/receipt"
	"primordia/storage"
)

var errEmptyTarget = errors.New("seal engine: target must not be empty")

// Engine issues and checks conformance seals. A seal is a kernel-signed
// stamp on a target agent; paid operations are gated on its presence.
type Engine struct {
	db       *gorm.DB
	signer   *receipt.Signer
	issueURL string
}

// NewEngine wires the seal engine. issueURL is surfaced in gate rejections
// so an unsealed agent knows where to start the conformance flow.
func NewEngine(db *gorm.DB, signer *receipt.Signer, issueURL string) *Engine {
	return &Engine{db: db, signer: signer, issueURL: issueURL}
}

// Issue seals the target and returns the SEAL receipt. Re-issuing replaces
// the stored seal with the fresh stamp; the previous receipt stays in the
// receipt log. Replays by request_hash return the original receipt.
func (e *Engine) Issue(ctx context.Context, target, conformanceHash, requestHash string) (receipt.Receipt, error) {
	if target == "" {
		return nil, kerrors.Wrap(kerrors.KindPrecondition, "seal issue", errEmptyTarget)
	}
	if requestHash == "" {
		return nil, kerrors.New(kerrors.KindPrecondition, "request_hash is required")
	}

	if prior, err := receipt.FindByRequestHash(e.db.WithContext(ctx), requestHash); err != nil {
		return nil, fmt.Errorf("seal engine: replay lookup: %w", err)
	} else if prior != nil {
		return prior, nil
	}

	var sealed receipt.Receipt
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		issuedMS := e.signer.NowMS()
		r, err := e.signer.Issue(receipt.KindSeal, requestHash, map[string]any{
			"target":           target,
			"conformance_hash": conformanceHash,
			"issued_ms":        issuedMS,
		})
		if err != nil {
			return fmt.Errorf("seal engine: issue receipt: %w", err)
		}
		row := storage.Seal{
			Target:          target,
			ConformanceHash: conformanceHash,
			ReceiptHash:     r.Hash(),
			IssuedMS:        issuedMS,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "target"}},
			DoUpdates: clause.AssignmentColumns([]string{"conformance_hash", "receipt_hash", "issued_ms"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("seal engine: persist seal: %w", err)
		}
		if err := receipt.SaveTx(tx, r); err != nil {
			return err
		}
		sealed = r
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if prior, replayErr := receipt.FindByRequestHash(e.db.WithContext(ctx), requestHash); replayErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}
	return sealed, nil
}

// Get returns the stored seal for target.
func (e *Engine) Get(ctx context.Context, target string) (*storage.Seal, error) {
	var row storage.Seal
	err := e.db.WithContext(ctx).First(&row, "target = ?", target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "no seal for %s", target)
	}
	if err != nil {
		return nil, fmt.Errorf("seal engine: lookup: %w", err)
	}
	return &row, nil
}

// Require rejects with a structured SealRequiredError when the target has
// no seal. This is the gate the dispatcher runs before sealed operations.
func (e *Engine) Require(ctx context.Context, target string) error {
	var row storage.Seal
	err := e.db.WithContext(ctx).First(&row, "target = ?", target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &kerrors.SealRequiredError{Target: target, SealIssueURL: e.issueURL}
	}
	if err != nil {
		return fmt.Errorf("seal engine: gate lookup: %w", err)
	}
	return nil
}
