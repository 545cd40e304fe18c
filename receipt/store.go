package receipt

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"primordia/canonical"
	"primordia/storage"
)

// SaveTx persists a sealed receipt, content-addressed by its hash. Saving
// the same receipt twice is a no-op; receipts are immutable so the stored
// row is always identical. A conflict on the request hash with a different
// receipt already stored is a lost idempotency race and propagates as
// gorm.ErrDuplicatedKey so callers can serve the stored receipt instead.
func SaveTx(tx *gorm.DB, r Receipt) error {
	data, err := r.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("receipt: serialize for store: %w", err)
	}
	record := storage.ReceiptRecord{
		ReceiptHash: r.Hash(),
		Type:        r.Type(),
		Payload:     string(data),
		Issuer:      Issuer,
		RequestHash: r.RequestHash(),
	}
	err = tx.Create(&record).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing storage.ReceiptRecord
		lookupErr := tx.First(&existing, "receipt_hash = ?", record.ReceiptHash).Error
		if lookupErr == nil {
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("receipt: duplicate lookup: %w", lookupErr)
		}
		return fmt.Errorf("receipt: request hash %s already bound to another receipt: %w",
			record.RequestHash, err)
	}
	return err
}

// Load fetches a stored receipt by hash.
func Load(db *gorm.DB, receiptHash string) (Receipt, error) {
	var record storage.ReceiptRecord
	if err := db.First(&record, "receipt_hash = ?", receiptHash).Error; err != nil {
		return nil, err
	}
	return decodeRecord(record)
}

// FindByRequestHash returns the stored receipt issued under requestHash, or
// nil when none exists. It backs the idempotent replay path for operations
// whose only persistent effect is the receipt itself.
func FindByRequestHash(db *gorm.DB, requestHash string) (Receipt, error) {
	var record storage.ReceiptRecord
	err := db.First(&record, "request_hash = ?", requestHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(record)
}

func decodeRecord(record storage.ReceiptRecord) (Receipt, error) {
	value, err := canonical.Parse([]byte(record.Payload))
	if err != nil {
		return nil, fmt.Errorf("receipt: decode stored payload: %w", err)
	}
	fields, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("receipt: stored payload is not a mapping")
	}
	return Receipt(fields), nil
}
