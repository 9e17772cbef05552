package store

import (
	"time"
)

// Transaction terminal states.
const (
	TxStateActive = "active"
	TxStateEnded  = "ended"
	TxStateFailed = "failed"
)

// TransactionRow is the transaction header. One row per proxied request.
type TransactionRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TxID      string    `gorm:"uniqueIndex;column:tx_id;type:varchar(64);not null" json:"tx_id"`
	Format    string    `gorm:"column:format;type:varchar(16);not null" json:"format"`
	Model     string    `gorm:"column:model;type:varchar(128)" json:"model"`
	TraceID   string    `gorm:"column:trace_id;type:varchar(64)" json:"trace_id,omitempty"`
	State     string    `gorm:"column:state;type:varchar(16);not null;default:'active'" json:"state"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (TransactionRow) TableName() string {
	return "gb_transactions"
}

// RecordRow is one serialized observability record. Append-only; rows for a
// transaction are ordered by Sequence.
type RecordRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TxID       string    `gorm:"column:tx_id;type:varchar(64);not null;uniqueIndex:idx_gb_records_tx_seq,priority:1" json:"tx_id"`
	Sequence   int64     `gorm:"column:sequence;not null;uniqueIndex:idx_gb_records_tx_seq,priority:2" json:"sequence"`
	RecordType string    `gorm:"column:record_type;type:varchar(32);not null" json:"record_type"`
	Payload    string    `gorm:"column:payload;type:text;not null" json:"payload"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for GORM.
func (RecordRow) TableName() string {
	return "gb_records"
}

// Envelope directions.
const (
	EnvelopeInbound  = "inbound"
	EnvelopeOutbound = "outbound"
)

// EnvelopeRow captures one HTTP request envelope for forensic replay.
// Header values that look like credentials are redacted before insert.
// Append-only.
type EnvelopeRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	TxID      string    `gorm:"column:tx_id;type:varchar(64);not null;index:idx_gb_envelopes_tx" json:"tx_id"`
	Direction string    `gorm:"column:direction;type:varchar(16);not null" json:"direction"`
	Method    string    `gorm:"column:method;type:varchar(8);not null" json:"method"`
	Path      string    `gorm:"column:path;type:varchar(512);not null" json:"path"`
	Headers   string    `gorm:"column:headers;type:text" json:"headers"`
	Body      string    `gorm:"column:body;type:text" json:"body"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for GORM.
func (EnvelopeRow) TableName() string {
	return "gb_envelopes"
}

// PolicyRow stores a named policy configuration when the policy source is
// the store rather than a file. The newest enabled row wins.
type PolicyRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	Name      string    `gorm:"column:name;type:varchar(128);not null" json:"name"`
	Config    string    `gorm:"column:config;type:text" json:"config"`
	Enabled   bool      `gorm:"column:enabled;type:boolean;not null" json:"enabled"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (PolicyRow) TableName() string {
	return "gb_policies"
}
