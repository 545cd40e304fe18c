package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"primordia/canonical"
	"primordia/crypto"
	kerrors "primordia/core/errors"
	"primordia/receipt"
	"primordia/storage"
)

var (
	errNoOpenWindow      = errors.New("index engine: no open window")
	errWindowAlreadyOpen = errors.New("index engine: a window is already open")
)

// SubmitResult acknowledges a leaf append. The leaf is pending until the
// window closes; only then does an inclusion proof exist.
type SubmitResult struct {
	WindowID uint64 `json:"window_id"`
	LeafHash string `json:"leaf_hash"`
	Position int64  `json:"position"`
	Ack      string `json:"ack"`
}

// Head describes the current window, open or closed.
type Head struct {
	WindowID      uint64  `json:"window_id"`
	Open          bool    `json:"open"`
	LeafCount     int64   `json:"leaf_count"`
	RootHash      *string `json:"root_hash"`
	ClosedAtMS    *int64  `json:"closed_at_ms"`
	HeadSignature *string `json:"head_signature"`
}

// InclusionProof binds a leaf to a closed window's signed root.
type InclusionProof struct {
	WindowID      uint64      `json:"window_id"`
	LeafHash      string      `json:"leaf_hash"`
	Position      int64       `json:"position"`
	Path          []ProofStep `json:"path"`
	RootHash      string      `json:"root_hash"`
	ClosedAtMS    int64       `json:"closed_at_ms"`
	LeafCount     int64       `json:"leaf_count"`
	HeadSignature string      `json:"head_signature"`
}

// Engine drives the append-only window sequence. Every window is a Merkle
// tree over its submitted leaves; closing a window signs its head and chains
// the next window to its root.
type Engine struct {
	db     *gorm.DB
	signer *receipt.Signer
}

// NewEngine wires the index engine to storage and the kernel signer.
func NewEngine(db *gorm.DB, signer *receipt.Signer) *Engine {
	return &Engine{db: db, signer: signer}
}

// OpenWindow opens a fresh window chained to the latest closed one. Fails
// when a window is already open.
func (e *Engine) OpenWindow(ctx context.Context) (*storage.IndexWindow, error) {
	var window storage.IndexWindow
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open storage.IndexWindow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&open, "open = ?", true).Error
		if err == nil {
			return errWindowAlreadyOpen
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("index engine: lookup open window: %w", err)
		}

		window = storage.IndexWindow{
			OpenedAtMS: e.signer.NowMS(),
			Open:       true,
		}
		var prev storage.IndexWindow
		err = tx.Order("id DESC").First(&prev, "open = ?", false).Error
		switch {
		case err == nil:
			prevID := prev.ID
			window.PreviousWindowID = &prevID
			if prev.RootHash != nil {
				window.PreviousRootHash = *prev.RootHash
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// genesis window, no chain link
		default:
			return fmt.Errorf("index engine: lookup previous window: %w", err)
		}
		return tx.Create(&window).Error
	})
	if err != nil {
		return nil, err
	}
	return &window, nil
}

// EnsureOpen opens a window if none is open. Used at daemon startup so
// submissions never hit a cold kernel.
func (e *Engine) EnsureOpen(ctx context.Context) (*storage.IndexWindow, error) {
	var open storage.IndexWindow
	err := e.db.WithContext(ctx).First(&open, "open = ?", true).Error
	if err == nil {
		return &open, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("index engine: lookup open window: %w", err)
	}
	return e.OpenWindow(ctx)
}

// Submit appends a leaf to the open window at the next position. The window
// row is locked for the append so concurrent submissions serialize and
// positions stay dense.
func (e *Engine) Submit(ctx context.Context, leafType, payloadHash string) (*SubmitResult, error) {
	leafHash, err := LeafHash(leafType, payloadHash)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindEncoding, "index leaf", err)
	}
	var result SubmitResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		window, err := lockOpenWindow(tx)
		if err != nil {
			return err
		}
		leaf := storage.IndexLeaf{
			ID:            uuid.NewString(),
			WindowID:      window.ID,
			Position:      window.LeafCount,
			LeafType:      leafType,
			PayloadHash:   payloadHash,
			LeafHash:      leafHash,
			SubmittedAtMS: e.signer.NowMS(),
		}
		if err := tx.Create(&leaf).Error; err != nil {
			return fmt.Errorf("index engine: append leaf: %w", err)
		}
		window.LeafCount++
		if err := tx.Save(window).Error; err != nil {
			return fmt.Errorf("index engine: bump leaf count: %w", err)
		}
		result = SubmitResult{
			WindowID: window.ID,
			LeafHash: leafHash,
			Position: leaf.Position,
			Ack:      "pending_close",
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitTx appends a leaf inside an existing transaction so domain engines
// can index a receipt atomically with their own writes.
func (e *Engine) SubmitTx(tx *gorm.DB, leafType, payloadHash string) (*SubmitResult, error) {
	leafHash, err := LeafHash(leafType, payloadHash)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindEncoding, "index leaf", err)
	}
	window, err := lockOpenWindow(tx)
	if err != nil {
		return nil, err
	}
	leaf := storage.IndexLeaf{
		ID:            uuid.NewString(),
		WindowID:      window.ID,
		Position:      window.LeafCount,
		LeafType:      leafType,
		PayloadHash:   payloadHash,
		LeafHash:      leafHash,
		SubmittedAtMS: e.signer.NowMS(),
	}
	if err := tx.Create(&leaf).Error; err != nil {
		return nil, fmt.Errorf("index engine: append leaf: %w", err)
	}
	window.LeafCount++
	if err := tx.Save(window).Error; err != nil {
		return nil, fmt.Errorf("index engine: bump leaf count: %w", err)
	}
	return &SubmitResult{
		WindowID: window.ID,
		LeafHash: leafHash,
		Position: leaf.Position,
		Ack:      "pending_close",
	}, nil
}

// CloseWindow finalizes the open window: computes the Merkle root over its
// leaves in position order, stamps closed_at_ms, and signs the head. The
// closed window is immutable afterwards.
func (e *Engine) CloseWindow(ctx context.Context) (*storage.IndexWindow, error) {
	var window *storage.IndexWindow
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		window, err = lockOpenWindow(tx)
		if err != nil {
			return err
		}
		leafHashes, err := windowLeafHashes(tx, window.ID)
		if err != nil {
			return err
		}
		root := Root(leafHashes)
		closedAt := e.signer.NowMS()
		headHash, err := headContentHash(window.ID, root, closedAt, window.LeafCount)
		if err != nil {
			return err
		}
		sig, err := e.signer.SignHash(headHash)
		if err != nil {
			return fmt.Errorf("index engine: sign head: %w", err)
		}
		window.RootHash = &root
		window.ClosedAtMS = &closedAt
		window.HeadSignature = &sig
		window.Open = false
		return tx.Save(window).Error
	})
	if err != nil {
		return nil, err
	}
	return window, nil
}

// Head reports the current window: the open one if any, otherwise the
// latest closed one.
func (e *Engine) Head(ctx context.Context) (*Head, error) {
	var window storage.IndexWindow
	err := e.db.WithContext(ctx).First(&window, "open = ?", true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = e.db.WithContext(ctx).Order("id DESC").First(&window).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.New(kerrors.KindNotFound, "no index window exists")
	}
	if err != nil {
		return nil, fmt.Errorf("index engine: load head: %w", err)
	}
	return &Head{
		WindowID:      window.ID,
		Open:          window.Open,
		LeafCount:     window.LeafCount,
		RootHash:      window.RootHash,
		ClosedAtMS:    window.ClosedAtMS,
		HeadSignature: window.HeadSignature,
	}, nil
}

// Proof builds an inclusion proof for a leaf inside a closed window. Open
// windows have no root yet and cannot prove anything.
func (e *Engine) Proof(ctx context.Context, windowID uint64, leafHash string) (*InclusionProof, error) {
	var window storage.IndexWindow
	err := e.db.WithContext(ctx).First(&window, "id = ?", windowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Newf(kerrors.KindNotFound, "window %d not found", windowID)
	}
	if err != nil {
		return nil, fmt.Errorf("index engine: load window: %w", err)
	}
	if window.Open {
		return nil, kerrors.Newf(kerrors.KindPrecondition, "window %d is still open", windowID)
	}
	leafHashes, err := windowLeafHashes(e.db.WithContext(ctx), windowID)
	if err != nil {
		return nil, err
	}
	position := -1
	for i, h := range leafHashes {
		if h == leafHash {
			position = i
			break
		}
	}
	if position < 0 {
		return nil, kerrors.Newf(kerrors.KindNotFound, "leaf not found in window %d", windowID)
	}
	return &InclusionProof{
		WindowID:      window.ID,
		LeafHash:      leafHash,
		Position:      int64(position),
		Path:          Prove(leafHashes, position),
		RootHash:      *window.RootHash,
		ClosedAtMS:    *window.ClosedAtMS,
		LeafCount:     window.LeafCount,
		HeadSignature: *window.HeadSignature,
	}, nil
}

// VerifyHead checks a closed window's head signature under the kernel key.
func VerifyHead(windowID uint64, rootHash string, closedAtMS, leafCount int64, signature, kernelPub string) bool {
	headHash, err := headContentHash(windowID, rootHash, closedAtMS, leafCount)
	if err != nil {
		return false
	}
	return crypto.Verify(headHash, signature, kernelPub)
}

func headContentHash(windowID uint64, rootHash string, closedAtMS, leafCount int64) (string, error) {
	data, err := canonical.Canonicalize(map[string]any{
		"window_id":    int64(windowID),
		"root_hash":    rootHash,
		"closed_at_ms": closedAtMS,
		"leaf_count":   leafCount,
	})
	if err != nil {
		return "", err
	}
	return crypto.Hash(data), nil
}

func lockOpenWindow(tx *gorm.DB) (*storage.IndexWindow, error) {
	var window storage.IndexWindow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&window, "open = ?", true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kerrors.Wrap(kerrors.KindPrecondition, "index submit", errNoOpenWindow)
	}
	if err != nil {
		return nil, fmt.Errorf("index engine: lock open window: %w", err)
	}
	return &window, nil
}

func windowLeafHashes(tx *gorm.DB, windowID uint64) ([]string, error) {
	var leaves []storage.IndexLeaf
	if err := tx.Order("position ASC").Find(&leaves, "window_id = ?", windowID).Error; err != nil {
		return nil, fmt.Errorf("index engine: load leaves: %w", err)
	}
	hashes := make([]string, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = leaf.LeafHash
	}
	return hashes, nil
}
