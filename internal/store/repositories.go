package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// TransactionRepository manages transaction headers.
type TransactionRepository interface {
	Create(row *TransactionRow) error
	SetState(txID, state string) error
	Get(txID string) (*TransactionRow, error)
	List(limit int) ([]TransactionRow, error)
}

type transactionRepositoryImpl struct {
	db *gorm.DB
}

// NewTransactionRepository creates a transaction repository.
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepositoryImpl{db: db}
}

func (r *transactionRepositoryImpl) Create(row *TransactionRow) error {
	if row.State == "" {
		row.State = TxStateActive
	}
	return r.db.Create(row).Error
}

func (r *transactionRepositoryImpl) SetState(txID, state string) error {
	res := r.db.Model(&TransactionRow{}).Where("tx_id = ?", txID).Update("state", state)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *transactionRepositoryImpl) Get(txID string) (*TransactionRow, error) {
	var row TransactionRow
	if err := r.db.Where("tx_id = ?", txID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *transactionRepositoryImpl) List(limit int) ([]TransactionRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []TransactionRow
	err := r.db.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// RecordRepository appends and reads serialized observability records.
type RecordRepository interface {
	// Append inserts the record with the next per-transaction sequence
	// number, creating the transaction header on first write. Sequence
	// allocation is read-max-plus-one inside a write transaction; the write
	// transaction is exclusive on SQLite, which serializes concurrent
	// appenders for the same transaction id.
	Append(txID, recordType, payload string) (int64, error)
	ListByTransaction(txID string) ([]RecordRow, error)
}

type recordRepositoryImpl struct {
	db *gorm.DB
}

// NewRecordRepository creates a record repository.
func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepositoryImpl{db: db}
}

func (r *recordRepositoryImpl) Append(txID, recordType, payload string) (int64, error) {
	if txID == "" {
		return 0, fmt.Errorf("record append requires a transaction id")
	}

	var seq int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		// Touch the header row first so the write lock covers the whole
		// allocation, and so orphan records cannot precede their header.
		var header TransactionRow
		if err := tx.Where("tx_id = ?", txID).First(&header).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			header = TransactionRow{TxID: txID, Format: "unknown", State: TxStateActive}
			if err := tx.Create(&header).Error; err != nil {
				return err
			}
		}

		var maxSeq int64
		if err := tx.Model(&RecordRow{}).
			Where("tx_id = ?", txID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		seq = maxSeq + 1

		return tx.Create(&RecordRow{
			TxID:       txID,
			Sequence:   seq,
			RecordType: recordType,
			Payload:    payload,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *recordRepositoryImpl) ListByTransaction(txID string) ([]RecordRow, error) {
	var rows []RecordRow
	err := r.db.Where("tx_id = ?", txID).Order("sequence ASC").Find(&rows).Error
	return rows, err
}

// EnvelopeRepository stores redacted HTTP envelopes.
type EnvelopeRepository interface {
	Insert(row *EnvelopeRow) error
	ListByTransaction(txID string) ([]EnvelopeRow, error)
}

type envelopeRepositoryImpl struct {
	db *gorm.DB
}

// NewEnvelopeRepository creates an envelope repository.
func NewEnvelopeRepository(db *gorm.DB) EnvelopeRepository {
	return &envelopeRepositoryImpl{db: db}
}

func (r *envelopeRepositoryImpl) Insert(row *EnvelopeRow) error {
	return r.db.Create(row).Error
}

func (r *envelopeRepositoryImpl) ListByTransaction(txID string) ([]EnvelopeRow, error) {
	var rows []EnvelopeRow
	err := r.db.Where("tx_id = ?", txID).Order("id ASC").Find(&rows).Error
	return rows, err
}

// PolicyRepository stores named policy configurations.
type PolicyRepository interface {
	Save(row *PolicyRow) error
	Active() (*PolicyRow, error)
	List() ([]PolicyRow, error)
}

type policyRepositoryImpl struct {
	db *gorm.DB
}

// NewPolicyRepository creates a policy repository.
func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepositoryImpl{db: db}
}

func (r *policyRepositoryImpl) Save(row *PolicyRow) error {
	return r.db.Create(row).Error
}

// Active returns the newest enabled policy row, or gorm.ErrRecordNotFound.
func (r *policyRepositoryImpl) Active() (*PolicyRow, error) {
	var row PolicyRow
	if err := r.db.Where("enabled = ?", true).Order("id DESC").First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *policyRepositoryImpl) List() ([]PolicyRow, error) {
	var rows []PolicyRow
	err := r.db.Order("id DESC").Find(&rows).Error
	return rows, err
}
