package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smarthome-automations/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutomationFilter narrows an automation listing
type AutomationFilter struct {
	Enabled *bool
	Search  string
	Page    int
	PerPage int
}

// AutomationRepository handles automation data access
type AutomationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAutomationRepository creates a new AutomationRepository
func NewAutomationRepository(db *gorm.DB) *AutomationRepository {
	return &AutomationRepository{db: db, now: time.Now}
}

func withChildren(db *gorm.DB) *gorm.DB {
	byPosition := func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }
	return db.
		Preload("Triggers", byPosition).
		Preload("Conditions", byPosition).
		Preload("Actions", byPosition)
}

// assignIDs gives every child a unique id, keeping ids the client sent back
func assignIDs(a *models.Automation) {
	seen := map[string]bool{}
	fresh := func(id string) string {
		if id == "" || len(id) > 64 || seen[id] {
			id = uuid.NewString()
		}
		seen[id] = true
		return id
	}
	for i := range a.Triggers {
		a.Triggers[i].ID = fresh(a.Triggers[i].ID)
	}
	seen = map[string]bool{}
	for i := range a.Conditions {
		a.Conditions[i].ID = fresh(a.Conditions[i].ID)
	}
	seen = map[string]bool{}
	for i := range a.Actions {
		a.Actions[i].ID = fresh(a.Actions[i].ID)
	}
}

// Create inserts an automation with its triggers, conditions and actions
func (r *AutomationRepository) Create(ctx context.Context, a *models.Automation) (*models.Automation, error) {
	a.ID = 0
	assignIDs(a)
	if a.Active() {
		now := r.now()
		a.ActivatedAt = &now
	} else {
		a.ActivatedAt = nil
	}

	rec, err := recordFromAutomation(a)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	return r.FindAnyByID(ctx, rec.ID)
}

// Update replaces the definition of an owned automation. Children are replaced as a whole.
func (r *AutomationRepository) Update(ctx context.Context, a *models.Automation) (*models.Automation, error) {
	assignIDs(a)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AutomationRecord
		err := tx.Where("id = ? AND owner_id = ?", a.ID, a.OwnerID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		wasActive := existing.Enabled && !existing.IsDraft
		switch {
		case !a.Active():
			a.ActivatedAt = nil
		case !wasActive:
			now := r.now()
			a.ActivatedAt = &now
		default:
			a.ActivatedAt = existing.ActivatedAt
		}

		rec, err := recordFromAutomation(a)
		if err != nil {
			return err
		}
		err = tx.Model(&AutomationRecord{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
			"name":          rec.Name,
			"description":   rec.Description,
			"enabled":       rec.Enabled,
			"is_draft":      rec.IsDraft,
			"flow_metadata": rec.FlowMetadata,
			"activated_at":  rec.ActivatedAt,
			"updated_at":    r.now(),
		}).Error
		if err != nil {
			return err
		}
		if err := deleteChildren(tx, a.ID); err != nil {
			return err
		}
		return createChildren(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return r.FindAnyByID(ctx, a.ID)
}

func deleteChildren(tx *gorm.DB, automationID uint64) error {
	for _, model := range []interface{}{&TriggerRecord{}, &ConditionRecord{}, &ActionRecord{}} {
		if err := tx.Where("automation_id = ?", automationID).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func createChildren(tx *gorm.DB, rec *AutomationRecord) error {
	if len(rec.Triggers) > 0 {
		if err := tx.Omit(clause.Associations).Create(&rec.Triggers).Error; err != nil {
			return err
		}
	}
	if len(rec.Conditions) > 0 {
		if err := tx.Omit(clause.Associations).Create(&rec.Conditions).Error; err != nil {
			return err
		}
	}
	if len(rec.Actions) > 0 {
		if err := tx.Omit(clause.Associations).Create(&rec.Actions).Error; err != nil {
			return err
		}
	}
	return nil
}

// Delete removes an owned automation and its children. Execution logs are kept.
func (r *AutomationRepository) Delete(ctx context.Context, ownerID int64, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&AutomationRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return deleteChildren(tx, id)
	})
}

// FindByID returns an automation owned by ownerID
func (r *AutomationRepository) FindByID(ctx context.Context, ownerID int64, id uint64) (*models.Automation, error) {
	var rec AutomationRecord
	err := withChildren(r.db.WithContext(ctx)).Where("id = ? AND owner_id = ?", id, ownerID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toModel()
}

// FindAnyByID returns an automation regardless of its owner
func (r *AutomationRepository) FindAnyByID(ctx context.Context, id uint64) (*models.Automation, error) {
	var rec AutomationRecord
	err := withChildren(r.db.WithContext(ctx)).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toModel()
}

// List returns one page of the owner's automations, newest first
func (r *AutomationRepository) List(ctx context.Context, ownerID int64, f AutomationFilter) ([]models.Automation, Pagination, error) {
	page, perPage := normalizePage(f.Page, f.PerPage)

	q := r.db.WithContext(ctx).Model(&AutomationRecord{}).Where("owner_id = ?", ownerID)
	if f.Enabled != nil {
		q = q.Where("enabled = ?", *f.Enabled)
	}
	if f.Search != "" {
		like := likePattern(f.Search)
		q = q.Where("(LOWER(name) LIKE ? OR LOWER(description) LIKE ?)", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, Pagination{}, err
	}

	var recs []AutomationRecord
	err := withChildren(q).
		Order("created_at DESC").Order("id DESC").
		Limit(perPage).Offset((page - 1) * perPage).
		Find(&recs).Error
	if err != nil {
		return nil, Pagination{}, err
	}

	out := make([]models.Automation, 0, len(recs))
	for i := range recs {
		a, err := recs[i].toModel()
		if err != nil {
			return nil, Pagination{}, err
		}
		out = append(out, *a)
	}
	return out, newPagination(page, perPage, total), nil
}

// ListActive returns every enabled, non-draft automation
func (r *AutomationRepository) ListActive(ctx context.Context) ([]models.Automation, error) {
	var recs []AutomationRecord
	err := withChildren(r.db.WithContext(ctx)).
		Where("enabled = ? AND is_draft = ?", true, false).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Automation, 0, len(recs))
	for i := range recs {
		a, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// Toggle flips the enabled flag in a single statement and returns the new value.
// Turning an automation on stamps activated_at; turning it off clears it.
func (r *AutomationRepository) Toggle(ctx context.Context, ownerID int64, id uint64) (bool, error) {
	var enabled bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		res := tx.Model(&AutomationRecord{}).
			Where("id = ? AND owner_id = ?", id, ownerID).
			Updates(map[string]interface{}{
				"enabled":      gorm.Expr("NOT enabled"),
				"activated_at": gorm.Expr("CASE WHEN enabled = ? AND is_draft = ? THEN ? ELSE NULL END", false, false, now),
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&AutomationRecord{}).Select("enabled").Where("id = ?", id).Scan(&enabled).Error
	})
	return enabled, err
}

// SetEnabled sets the enabled flag. Setting the current value is a no-op.
func (r *AutomationRepository) SetEnabled(ctx context.Context, ownerID int64, id uint64, enabled bool) (bool, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AutomationRecord
		err := tx.Where("id = ? AND owner_id = ?", id, ownerID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if existing.Enabled == enabled {
			return nil
		}

		var activatedAt *time.Time
		now := r.now()
		if enabled && !existing.IsDraft {
			activatedAt = &now
		}
		return tx.Model(&AutomationRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"enabled":      enabled,
			"activated_at": activatedAt,
			"updated_at":   now,
		}).Error
	})
	return enabled, err
}

// Stats counts the owner's automations. WithErrors counts automations whose latest
// log row is failed, partial or warning.
func (r *AutomationRepository) Stats(ctx context.Context, ownerID int64) (models.AutomationStats, error) {
	var stats models.AutomationStats
	var counts struct {
		Total   int64
		Enabled int64
	}
	err := r.db.WithContext(ctx).Model(&AutomationRecord{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0) AS enabled").
		Where("owner_id = ?", ownerID).
		Scan(&counts).Error
	if err != nil {
		return stats, err
	}
	stats.Total = counts.Total
	stats.Enabled = counts.Enabled
	stats.Disabled = counts.Total - counts.Enabled

	err = r.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM automations a
		WHERE a.owner_id = ? AND (
			SELECT l.status FROM automation_logs l
			WHERE l.automation_id = a.id
			ORDER BY l.executed_at DESC, l.id DESC
			LIMIT 1
		) IN ?`,
		ownerID,
		[]string{string(models.StatusFailed), string(models.StatusPartial), string(models.StatusWarning)},
	).Scan(&stats.WithErrors).Error
	return stats, err
}
