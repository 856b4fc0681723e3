package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SkillRepository persists skills and their review decisions.
type SkillRepository struct {
	db *gorm.DB
}

// CreateVersion inserts the next version of a named skill for a
// deployment. The version counter is per (deployment, name, language).
func (r *SkillRepository) CreateVersion(ctx context.Context, skill *SkillModel) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		err := tx.Model(&SkillModel{}).
			Where("deployment_id = ? AND name = ? AND language = ?", skill.DeploymentID, skill.Name, skill.Language).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return fmt.Errorf("finding latest version of %s: %w", skill.Name, err)
		}

		if skill.ID == "" {
			skill.ID = uuid.NewString()
		}
		skill.Version = maxVersion + 1
		if skill.Status == "" {
			skill.Status = "pending"
		}
		if err := tx.Create(skill).Error; err != nil {
			return fmt.Errorf("creating skill %s v%d: %w", skill.Name, skill.Version, err)
		}
		return nil
	})
}

// Get fetches one skill by id.
func (r *SkillRepository) Get(ctx context.Context, id string) (*SkillModel, error) {
	var skill SkillModel
	err := r.db.WithContext(ctx).First(&skill, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: skill %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching skill %s: %w", id, err)
	}
	return &skill, nil
}

// List returns all skill versions for a deployment, newest first.
func (r *SkillRepository) List(ctx context.Context, deploymentID string) ([]SkillModel, error) {
	var skills []SkillModel
	err := r.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("name ASC, version DESC").
		Find(&skills).Error
	if err != nil {
		return nil, fmt.Errorf("listing skills for %s: %w", deploymentID, err)
	}
	return skills, nil
}

// ListMountable returns, per (name, language), the highest approved and
// active version with an unexpired approval. These are the skills a
// session mounts.
func (r *SkillRepository) ListMountable(ctx context.Context, deploymentID string) ([]SkillModel, error) {
	var skills []SkillModel
	err := r.db.WithContext(ctx).
		Where("deployment_id = ? AND status = ? AND active = ?", deploymentID, "approved", true).
		Where("approval_expires_at IS NULL OR approval_expires_at > ?", time.Now().UTC()).
		Order("name ASC, version DESC").
		Find(&skills).Error
	if err != nil {
		return nil, fmt.Errorf("listing mountable skills for %s: %w", deploymentID, err)
	}

	latest := make([]SkillModel, 0, len(skills))
	seen := make(map[string]bool)
	for _, s := range skills {
		key := s.Name + "|" + s.Language
		if seen[key] {
			continue
		}
		seen[key] = true
		latest = append(latest, s)
	}
	return latest, nil
}

// Approve marks a skill approved for the validity window and records the
// review.
func (r *SkillRepository) Approve(ctx context.Context, skillID, reviewedBy string) error {
	return r.review(ctx, skillID, reviewedBy, "approved", "")
}

// Reject marks a skill rejected with a reason.
func (r *SkillRepository) Reject(ctx context.Context, skillID, reviewedBy, reason string) error {
	return r.review(ctx, skillID, reviewedBy, "rejected", reason)
}

func (r *SkillRepository) review(ctx context.Context, skillID, reviewedBy, status, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var skill SkillModel
		if err := tx.First(&skill, "id = ?", skillID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: skill %s", ErrNotFound, skillID)
			}
			return err
		}

		now := time.Now().UTC()
		skill.Status = status
		if status == "approved" {
			skill.Active = true
			expires := now.Add(ApprovalValidity)
			skill.ApprovalExpiresAt = &expires
		} else {
			skill.Active = false
			skill.ApprovalExpiresAt = nil
		}
		if err := tx.Save(&skill).Error; err != nil {
			return fmt.Errorf("updating skill %s: %w", skillID, err)
		}

		approval := SkillApprovalModel{
			ID:              uuid.NewString(),
			SkillID:         skillID,
			Status:          status,
			ReviewedBy:      reviewedBy,
			ReviewedAt:      now,
			RejectionReason: reason,
			ExpiresAt:       skill.ApprovalExpiresAt,
		}
		if err := tx.Create(&approval).Error; err != nil {
			return fmt.Errorf("recording review of %s: %w", skillID, err)
		}
		return nil
	})
}

// Revoke deactivates every version of a named skill for a deployment.
func (r *SkillRepository) Revoke(ctx context.Context, deploymentID, name string) error {
	err := r.db.WithContext(ctx).Model(&SkillModel{}).
		Where("deployment_id = ? AND name = ?", deploymentID, name).
		Updates(map[string]any{
			"status":              "revoked",
			"active":              false,
			"approval_expires_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("revoking skill %s: %w", name, err)
	}
	return nil
}

// Approvals returns the review history for a skill, newest first.
func (r *SkillRepository) Approvals(ctx context.Context, skillID string) ([]SkillApprovalModel, error) {
	var approvals []SkillApprovalModel
	err := r.db.WithContext(ctx).
		Where("skill_id = ?", skillID).
		Order("reviewed_at DESC").
		Find(&approvals).Error
	if err != nil {
		return nil, fmt.Errorf("listing approvals for %s: %w", skillID, err)
	}
	return approvals, nil
}
