package database

import (
	"time"
)

// RunOutcome is the terminal state of a compress call
type RunOutcome string

const (
	RunOutcomeCompressed  RunOutcome = "compressed"
	RunOutcomePassthrough RunOutcome = "passthrough"
	RunOutcomeFailed      RunOutcome = "failed"
)

// EngineLoadFailure counts primary-engine load failures for one session key.
// The strategy selector stops trying the primary engine once Count reaches
// its limit.
type EngineLoadFailure struct {
	SessionKey string    `gorm:"primaryKey;type:varchar(128)" json:"session_key"`
	Count      int       `gorm:"not null;default:0" json:"count"`
	LastError  string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM
func (EngineLoadFailure) TableName() string {
	return "engine_load_failures"
}

// CompressionRun is one compress call
type CompressionRun struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionKey   string     `gorm:"type:varchar(128);index" json:"session_key"`
	FileName     string     `gorm:"type:varchar(512)" json:"file_name"`
	Strategy     string     `gorm:"type:varchar(32);index" json:"strategy"`
	Tier         string     `gorm:"type:varchar(32)" json:"tier,omitempty"`
	Engine       string     `gorm:"type:varchar(32)" json:"engine,omitempty"`
	Outcome      RunOutcome `gorm:"type:varchar(32);not null;index" json:"outcome"`
	OriginalSize int64      `json:"original_size"`
	OutputSize   int64      `json:"output_size"`
	ErrorKind    string     `gorm:"type:varchar(64)" json:"error_kind,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	ElapsedMs    int64      `json:"elapsed_ms"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
}

// TableName returns the table name for GORM
func (CompressionRun) TableName() string {
	return "compression_runs"
}

// SavedBytes returns how much smaller the output is than the input
func (r *CompressionRun) SavedBytes() int64 {
	if r.Outcome != RunOutcomeCompressed || r.OutputSize >= r.OriginalSize {
		return 0
	}
	return r.OriginalSize - r.OutputSize
}

// Models lists every model for AutoMigrate
func Models() []interface{} {
	return []interface{}{
		&EngineLoadFailure{},
		&CompressionRun{},
	}
}
