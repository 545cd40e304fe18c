package storage

import (
	"time"

	"gorm.io/gorm"
)

// TreasuryWallet receives allocation and liquidation fees.
const TreasuryWallet = "primordia:treasury"

// Credit line statuses.
const (
	LineActive     = "active"
	LineSuspended  = "suspended"
	LineClosed     = "closed"
	LineLiquidated = "liquidated"
)

// Collateral lock statuses.
const (
	CollateralLocked     = "locked"
	CollateralUnlocked   = "unlocked"
	CollateralLiquidated = "liquidated"
)

// Margin call statuses.
const (
	MarginPending    = "pending"
	MarginResolved   = "resolved"
	MarginEscalated  = "escalated"
	MarginLiquidated = "liquidated"
)

// Escrow statuses.
const (
	EscrowLocked   = "locked"
	EscrowReleased = "released"
	EscrowDisputed = "disputed"
	EscrowExpired  = "expired"
)

// Netting job statuses.
const (
	NettingPending   = "pending"
	NettingCompleted = "completed"
	NettingFailed    = "failed"
)

// Agent is a registered principal keyed by its Ed25519 public key.
type Agent struct {
	ID                  string `gorm:"primaryKey;size:128"`
	DisplayName         string `gorm:"size:128"`
	Pubkey              string `gorm:"uniqueIndex;size:64"`
	LifetimeVolumeMicros int64
	FreeSettlementsUsed int64
	FreeTierResetMS     int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Wallet holds a nonnegative balance in USD-micros. Balances move only
// through the wallet engine's locked transactions.
type Wallet struct {
	ID               string `gorm:"primaryKey;size:128"`
	BalanceUsdMicros int64  `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WalletTransaction is the append-only ledger behind every balance change.
type WalletTransaction struct {
	ID              string `gorm:"primaryKey;size:64"`
	WalletID        string `gorm:"index;size:128"`
	Type            string `gorm:"size:32"`
	AmountUsdMicros int64
	Reference       string `gorm:"size:255"`
	CreatedAt       time.Time
}

// ReceiptRecord stores every sealed receipt, content-addressed by hash. The
// unique request hash makes concurrent duplicates of the same request
// collapse at the insert, not at a read-then-write check.
type ReceiptRecord struct {
	ReceiptHash string `gorm:"primaryKey;size:64"`
	Type        string `gorm:"index;size:16"`
	Payload     string `gorm:"type:text"`
	Issuer      string `gorm:"size:64"`
	RequestHash string `gorm:"uniqueIndex;size:128"`
	CreatedAt   time.Time
}

// CreditLine is the authoritative credit-line row. The id is content
// derived from the opening receipt hash.
type CreditLine struct {
	ID                 string `gorm:"primaryKey;size:64"`
	Borrower           string `gorm:"index;size:128"`
	Lender             string `gorm:"index;size:128"`
	LimitUsdMicros     int64
	SpreadBps          int64
	MaturityMS         *int64
	CollateralRatioBps int64
	Status             string `gorm:"index;size:16"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreditPosition tracks principal, interest, and fees for one line.
type CreditPosition struct {
	CreditLineID      string `gorm:"primaryKey;size:64"`
	PrincipalMicros   int64
	InterestMicros    int64
	FeesMicros        int64
	LastAccrualMS     int64
	LastAccrualWindow string `gorm:"size:64"`
	UpdatedAt         time.Time
}

// CreditEvent is the append-only per-line event log. The unique request
// hash is the idempotency source of truth for every credit operation.
type CreditEvent struct {
	ID             string `gorm:"primaryKey;size:64"`
	CreditLineID   string `gorm:"index;size:64"`
	EventType      string `gorm:"size:32"`
	Payload        string `gorm:"type:text"`
	RequestHash    string `gorm:"uniqueIndex;size:128"`
	ReceiptHash    string `gorm:"size:64"`
	DeltaPrincipal int64
	DeltaInterest  int64
	DeltaFees      int64
	FeeCharged     int64
	CreatedAt      time.Time
}

// CollateralLock pins an asset reference against a credit line.
type CollateralLock struct {
	ID              string `gorm:"primaryKey;size:64"`
	CreditLineID    string `gorm:"index;size:64"`
	AssetRef        string `gorm:"size:255"`
	AssetType       string `gorm:"size:16"`
	AmountUsdMicros int64
	Status          string `gorm:"index;size:16"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MarginCall tracks an outstanding margin demand on a credit line.
type MarginCall struct {
	ID                string `gorm:"primaryKey;size:64"`
	CreditLineID      string `gorm:"index;size:64"`
	RequiredUsdMicros int64
	DueMS             int64
	Status            string `gorm:"index;size:16"`
	ResolvedMS        *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Allocation records a budget transfer between wallets.
type Allocation struct {
	ID              string `gorm:"primaryKey;size:64"`
	FromWallet      string `gorm:"index;size:128"`
	ToWallet        string `gorm:"index;size:128"`
	AmountUsdMicros int64
	FeeUsdMicros    int64
	FeeBps          int64
	WindowID        *uint64
	RequestHash     string `gorm:"uniqueIndex;size:128"`
	ReceiptHash     string `gorm:"size:64"`
	CreatedAt       time.Time
}

// Escrow is a two-party hold enforced by status transitions.
type Escrow struct {
	ID              string `gorm:"primaryKey;size:64"`
	Buyer           string `gorm:"index;size:128"`
	Seller          string `gorm:"index;size:128"`
	AmountUsdMicros int64
	Description     string `gorm:"size:512"`
	ExpiresMS       int64
	Status          string `gorm:"index;size:16"`
	ReleaseReceipt  string `gorm:"size:64"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NettingJob makes netting idempotent by input hash and records the IAN
// produced plus the fee charged, enabling refunds on failure.
type NettingJob struct {
	JobID         string `gorm:"primaryKey;size:64"`
	Agent         string `gorm:"index;size:128"`
	InputHash     string `gorm:"uniqueIndex;size:128"`
	ReceiptHashes string `gorm:"type:text"`
	Status        string `gorm:"index;size:16"`
	IANPayload    string `gorm:"type:text"`
	NettingHash   string `gorm:"size:64"`
	FeeCharged    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Seal is the per-agent conformance stamp gating paid operations.
type Seal struct {
	Target          string `gorm:"primaryKey;size:128"`
	ConformanceHash string `gorm:"size:64"`
	ReceiptHash     string `gorm:"size:64"`
	IssuedMS        int64
	CreatedAt       time.Time
}

// IndexWindow is one epoch of the canonicality clock. At most one window is
// open at a time; closed windows are immutable.
type IndexWindow struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	PreviousWindowID *uint64
	PreviousRootHash string `gorm:"size:64"`
	OpenedAtMS       int64
	ClosedAtMS       *int64
	LeafCount        int64
	RootHash         *string `gorm:"size:64"`
	HeadSignature    *string `gorm:"size:128"`
	Open             bool    `gorm:"index"`
}

// IndexLeaf is a submitted leaf inside a window, ordered by position.
type IndexLeaf struct {
	ID            string `gorm:"primaryKey;size:64"`
	WindowID      uint64 `gorm:"uniqueIndex:idx_window_position,priority:1"`
	Position      int64  `gorm:"uniqueIndex:idx_window_position,priority:2"`
	LeafType      string `gorm:"size:32"`
	PayloadHash   string `gorm:"size:64"`
	LeafHash      string `gorm:"index;size:64"`
	SubmittedAtMS int64
}

// AutoMigrate creates or upgrades the full kernel schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agent{},
		&Wallet{},
		&WalletTransaction{},
		&ReceiptRecord{},
		&CreditLine{},
		&CreditPosition{},
		&CreditEvent{},
		&CollateralLock{},
		&MarginCall{},
		&Allocation{},
		&Escrow{},
		&NettingJob{},
		&Seal{},
		&IndexWindow{},
		&IndexLeaf{},
	)
}
