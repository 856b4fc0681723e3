package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// RunRepository persists sandbox runs.
type RunRepository struct {
	db *gorm.DB
}

// Create inserts a run record.
func (r *RunRepository) Create(ctx context.Context, run *RunModel) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

// Update saves all fields of a run record.
func (r *RunRepository) Update(ctx context.Context, run *RunModel) error {
	if err := r.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}
	return nil
}

// Get fetches one run by id.
func (r *RunRepository) Get(ctx context.Context, id string) (*RunModel, error) {
	var run RunModel
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching run %s: %w", id, err)
	}
	return &run, nil
}

// ListByDeployment returns recent runs for a deployment, newest first.
func (r *RunRepository) ListByDeployment(ctx context.Context, deploymentID string, limit int) ([]RunModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []RunModel
	err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs for %s: %w", deploymentID, err)
	}
	return runs, nil
}
