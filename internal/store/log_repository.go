package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smarthome-automations/internal/models"

	"gorm.io/gorm"
)

// StatusAll selects every status in a log query
const StatusAll = "all"

// LogFilter narrows a log query. An empty Status or "all" keeps every status.
type LogFilter struct {
	Status  string
	Search  string
	Page    int
	PerPage int
}

// LogRepository is the append-only execution log. It has no update or delete operations.
type LogRepository struct {
	db *gorm.DB
}

// NewLogRepository creates a new LogRepository
func NewLogRepository(db *gorm.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append writes one log row and fills in its id
func (r *LogRepository) Append(ctx context.Context, l *models.AutomationLog) error {
	if l.ExecutedAt.IsZero() {
		l.ExecutedAt = time.Now()
	}
	rec := LogRecord{
		AutomationID: l.AutomationID,
		ExecutedAt:   l.ExecutedAt,
		Status:       string(l.Status),
		Details:      l.Details,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append log for automation %d: %w", l.AutomationID, err)
	}
	l.ID = rec.ID
	return nil
}

func (r *LogRepository) scoped(ctx context.Context, automationID uint64, f LogFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&LogRecord{}).Where("automation_id = ?", automationID)
	if f.Status != "" && f.Status != StatusAll {
		q = q.Where("status = ?", f.Status)
	}
	if f.Search != "" {
		q = q.Where("LOWER(details) LIKE ?", likePattern(f.Search))
	}
	return q
}

// Query returns one page of log rows, newest first
func (r *LogRepository) Query(ctx context.Context, automationID uint64, f LogFilter) ([]models.AutomationLog, Pagination, error) {
	page, perPage := normalizePage(f.Page, f.PerPage)

	var total int64
	if err := r.scoped(ctx, automationID, f).Count(&total).Error; err != nil {
		return nil, Pagination{}, err
	}

	var recs []LogRecord
	err := r.scoped(ctx, automationID, f).
		Order("executed_at DESC").Order("id DESC").
		Limit(perPage).Offset((page - 1) * perPage).
		Find(&recs).Error
	if err != nil {
		return nil, Pagination{}, err
	}

	out := make([]models.AutomationLog, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toModel())
	}
	return out, newPagination(page, perPage, total), nil
}

type statusCount struct {
	Status string
	Count  int64
}

func (r *LogRepository) counts(q *gorm.DB) (models.LogCounts, error) {
	var rows []statusCount
	var c models.LogCounts
	if err := q.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return c, err
	}
	for _, row := range rows {
		c.Add(models.RunStatus(row.Status), row.Count)
	}
	return c, nil
}

// Stats counts rows by status over every row of the automation and over the filtered subset
func (r *LogRepository) Stats(ctx context.Context, automationID uint64, f LogFilter) (models.LogStats, error) {
	var stats models.LogStats
	var err error
	if stats.TotalStats, err = r.counts(r.scoped(ctx, automationID, LogFilter{})); err != nil {
		return stats, err
	}
	if stats.FilteredStats, err = r.counts(r.scoped(ctx, automationID, f)); err != nil {
		return stats, err
	}
	return stats, nil
}

// Latest returns the most recent row of an automation
func (r *LogRepository) Latest(ctx context.Context, automationID uint64) (*models.AutomationLog, error) {
	var rec LogRecord
	err := r.db.WithContext(ctx).
		Where("automation_id = ?", automationID).
		Order("executed_at DESC").Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l := rec.toModel()
	return &l, nil
}
