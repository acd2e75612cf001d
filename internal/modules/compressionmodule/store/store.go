// Package store persists the per-session engine-load failure count and the
// history of compress calls.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/mantonx/clipshrink/internal/database"
)

// Ledger counts engine-load failures per session key
type Ledger interface {
	LoadFailures(ctx context.Context, sessionKey string) (int, error)
	RecordLoadFailure(ctx context.Context, sessionKey string, cause error) (int, error)
	ResetLoadFailures(ctx context.Context, sessionKey string) error
}

// RunRecorder keeps the outcome of each compress call
type RunRecorder interface {
	RecordRun(ctx context.Context, run *database.CompressionRun) error
	RecentRuns(ctx context.Context, limit int) ([]database.CompressionRun, error)
}

// Store implements Ledger and RunRecorder on GORM
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewStore creates a database-backed store. The schema must already exist.
func NewStore(db *gorm.DB, logger hclog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Named("history-store"),
	}
}

// LoadFailures returns the failure count, zero for unknown keys
func (s *Store) LoadFailures(ctx context.Context, sessionKey string) (int, error) {
	var rows []database.EngineLoadFailure
	result := s.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Limit(1).
		Find(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to read load failures: %w", result.Error)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}

// RecordLoadFailure increments the count and returns the new value
func (s *Store) RecordLoadFailure(ctx context.Context, sessionKey string, cause error) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []database.EngineLoadFailure
		if err := tx.Where("session_key = ?", sessionKey).Limit(1).Find(&rows).Error; err != nil {
			return err
		}

		msg := ""
		if cause != nil {
			msg = cause.Error()
		}

		if len(rows) == 0 {
			entry := database.EngineLoadFailure{SessionKey: sessionKey, Count: 1, LastError: msg}
			count = 1
			return tx.Create(&entry).Error
		}

		count = rows[0].Count + 1
		return tx.Model(&database.EngineLoadFailure{}).
			Where("session_key = ?", sessionKey).
			Updates(map[string]interface{}{
				"count":      count,
				"last_error": msg,
				"updated_at": time.Now(),
			}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record load failure: %w", err)
	}

	s.logger.Debug("recorded engine load failure", "session_key", sessionKey, "count", count)
	return count, nil
}

// ResetLoadFailures forgets the count for a key
func (s *Store) ResetLoadFailures(ctx context.Context, sessionKey string) error {
	err := s.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Delete(&database.EngineLoadFailure{}).Error
	if err != nil {
		return fmt.Errorf("failed to reset load failures: %w", err)
	}
	return nil
}

// RecordRun inserts a run, assigning an ID when it has none
func (s *Store) RecordRun(ctx context.Context, run *database.CompressionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record compression run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]database.CompressionRun, error) {
	var runs []database.CompressionRun
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list compression runs: %w", err)
	}
	return runs, nil
}

// MemoryLedger implements Ledger and RunRecorder in process memory
type MemoryLedger struct {
	mu       sync.Mutex
	failures map[string]int
	runs     []database.CompressionRun
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{failures: make(map[string]int)}
}

func (m *MemoryLedger) LoadFailures(_ context.Context, sessionKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[sessionKey], nil
}

func (m *MemoryLedger) RecordLoadFailure(_ context.Context, sessionKey string, _ error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[sessionKey]++
	return m.failures[sessionKey], nil
}

func (m *MemoryLedger) ResetLoadFailures(_ context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, sessionKey)
	return nil
}

func (m *MemoryLedger) RecordRun(_ context.Context, run *database.CompressionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	m.runs = append(m.runs, *run)
	return nil
}

func (m *MemoryLedger) RecentRuns(_ context.Context, limit int) ([]database.CompressionRun, error) {
	m.mu.Lock()
	runs := append([]database.CompressionRun(nil), m.runs...)
	m.mu.Unlock()

	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
