package runindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"avm/server/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("run not found in index")

// RunRow is the queryable summary of one run ledger. The ledger file in the
// run directory stays authoritative.
type RunRow struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	Status          string     `gorm:"size:16;not null;index" json:"status"`
	Keywords        string     `gorm:"not null" json:"keywords"`
	TargetProduct   string     `json:"target_product"`
	DurationSeconds int        `gorm:"not null" json:"duration_seconds"`
	OutputLocation  string     `gorm:"not null" json:"output_location"`
	StagesCompleted int        `json:"stages_completed"`
	FailedStage     string     `gorm:"size:32" json:"failed_stage,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `gorm:"index" json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (RunRow) TableName() string {
	return "pipeline_runs"
}

func RowFromRun(run model.PipelineRun) RunRow {
	row := RunRow{
		ID:              run.ID,
		Status:          string(run.Status),
		Keywords:        strings.Join(run.Config.Keywords(), ","),
		TargetProduct:   run.Config.TargetProduct(),
		DurationSeconds: run.Config.VideoDurationSeconds(),
		OutputLocation:  run.Config.OutputLocation(),
		StartedAt:       run.StartedAt,
	}
	for _, s := range run.Stages {
		if s.Status == model.StageCompleted {
			row.StagesCompleted++
		}
	}
	if failed, ok := run.FailedStage(); ok {
		row.FailedStage = string(failed.Stage)
		row.Error = failed.Error
	}
	if !run.CompletedAt.IsZero() {
		at := run.CompletedAt
		row.CompletedAt = &at
	}
	return row
}

type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the run table.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, &model.ConfigError{Field: "database.dsn", Reason: "must not be empty"}
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)

	s := NewStore(db)
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&RunRow{}); err != nil {
		return fmt.Errorf("migrate run index: %w", err)
	}
	return nil
}

// Upsert writes the summary of run, replacing any earlier row for the same ID.
func (s *Store) Upsert(ctx context.Context, run model.PipelineRun) error {
	row := RowFromRun(run)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (RunRow, error) {
	var row RunRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RunRow{}, ErrNotFound
		}
		return RunRow{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return row, nil
}

// Recent lists the newest runs, optionally filtered by status.
func (s *Store) Recent(ctx context.Context, status model.RunStatus, limit int) ([]RunRow, error) {
	if limit < 1 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []RunRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return rows, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
