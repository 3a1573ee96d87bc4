package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"smarthome-automations/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing repositories.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func sampleAutomation(owner int64, name string) *models.Automation {
	return &models.Automation{
		OwnerID: owner,
		Name:    name,
		Enabled: true,
		FlowMetadata: &models.FlowMetadata{
			Nodes: []models.FlowNode{{ID: "n1", Position: models.Position{X: 10, Y: 20}, Type: "trigger"}},
			Edges: []models.FlowEdge{},
		},
		Triggers: []models.Trigger{
			{Spec: models.IntervalTrigger{Seconds: 60}},
			{Spec: models.StateChangeTrigger{DeviceID: "d1", Field: "temp"}},
		},
		Conditions: []models.Condition{
			{Spec: models.SimpleCondition{DeviceID: "d1", Field: "temp", Operator: models.OpGreater, Value: float64(20)}},
		},
		Actions: []models.Action{
			{Spec: models.LogAction{Value: "hot"}},
			{Spec: models.MQTTPublishAction{Topic: "home/fan", Payload: map[string]any{"on": true}}},
		},
	}
}

func TestAutomationRepository_CreateAndFind(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleAutomation(1, "Fan"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	require.NotNil(t, created.ActivatedAt)
	require.Len(t, created.Triggers, 2)
	assert.NotEmpty(t, created.Triggers[0].ID)
	assert.Equal(t, models.IntervalTrigger{Seconds: 60}, created.Triggers[0].Spec)
	assert.Equal(t, models.StateChangeTrigger{DeviceID: "d1", Field: "temp"}, created.Triggers[1].Spec)
	assert.Equal(t, models.ActionLog, created.Actions[0].Type())
	assert.Equal(t, models.ActionMQTTPublish, created.Actions[1].Type())
	require.NotNil(t, created.FlowMetadata)
	assert.Equal(t, "n1", created.FlowMetadata.Nodes[0].ID)

	found, err := repo.FindByID(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, found.Name)

	_, err = repo.FindByID(ctx, 2, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindAnyByID(ctx, created.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutomationRepository_DraftHasNoActivation(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	draft := &models.Automation{OwnerID: 1, Name: "Draft", Enabled: true, IsDraft: true}

	created, err := repo.Create(context.Background(), draft)
	require.NoError(t, err)
	assert.Nil(t, created.ActivatedAt)
	assert.Empty(t, created.Triggers)
	assert.Empty(t, created.Actions)
}

func TestAutomationRepository_UpdateReplacesChildren(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleAutomation(1, "Fan"))
	require.NoError(t, err)
	keptTrigger := created.Triggers[0].ID

	created.Name = "Fan v2"
	created.Triggers = created.Triggers[:1]
	created.Conditions = nil
	created.Actions = []models.Action{{Spec: models.LogAction{Value: "only"}}}
	updated, err := repo.Update(ctx, created)
	require.NoError(t, err)

	assert.Equal(t, "Fan v2", updated.Name)
	require.Len(t, updated.Triggers, 1)
	assert.Equal(t, keptTrigger, updated.Triggers[0].ID)
	assert.Empty(t, updated.Conditions)
	require.Len(t, updated.Actions, 1)
	assert.Equal(t, models.LogAction{Value: "only"}, updated.Actions[0].Spec)

	other := *updated
	other.OwnerID = 2
	_, err = repo.Update(ctx, &other)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutomationRepository_UpdateActivationTransitions(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	ctx := context.Background()
	clock := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	created, err := repo.Create(ctx, sampleAutomation(1, "Fan"))
	require.NoError(t, err)
	first := *created.ActivatedAt

	clock = clock.Add(time.Hour)
	created.Name = "renamed"
	same, err := repo.Update(ctx, created)
	require.NoError(t, err)
	assert.True(t, first.Equal(*same.ActivatedAt), "staying active keeps the activation time")

	same.Enabled = false
	off, err := repo.Update(ctx, same)
	require.NoError(t, err)
	assert.Nil(t, off.ActivatedAt)

	clock = clock.Add(time.Hour)
	off.Enabled = true
	on, err := repo.Update(ctx, off)
	require.NoError(t, err)
	require.NotNil(t, on.ActivatedAt)
	assert.True(t, clock.Equal(*on.ActivatedAt))
}

func TestAutomationRepository_DeleteKeepsLogs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAutomationRepository(db)
	logs := NewLogRepository(db)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleAutomation(1, "Fan"))
	require.NoError(t, err)
	require.NoError(t, logs.Append(ctx, &models.AutomationLog{AutomationID: created.ID, Status: models.StatusSuccess}))

	assert.ErrorIs(t, repo.Delete(ctx, 2, created.ID), ErrNotFound)
	require.NoError(t, repo.Delete(ctx, 1, created.ID))

	_, err = repo.FindAnyByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var triggers int64
	require.NoError(t, db.Model(&TriggerRecord{}).Where("automation_id = ?", created.ID).Count(&triggers).Error)
	assert.Zero(t, triggers)

	latest, err := logs.Latest(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, latest.Status)
}

func TestAutomationRepository_ListFilters(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		a := sampleAutomation(1, fmt.Sprintf("Rule %02d", i))
		a.Enabled = i%2 == 0
		if i == 7 {
			a.Description = "Garage door helper"
		}
		_, err := repo.Create(ctx, a)
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, sampleAutomation(2, "Someone else"))
	require.NoError(t, err)

	page, meta, err := repo.List(ctx, 1, AutomationFilter{})
	require.NoError(t, err)
	assert.Len(t, page, DefaultPerPage)
	assert.Equal(t, Pagination{CurrentPage: 1, PerPage: 15, Total: 20, LastPage: 2}, meta)
	assert.Equal(t, "Rule 19", page[0].Name)

	page, meta, err = repo.List(ctx, 1, AutomationFilter{Page: 2})
	require.NoError(t, err)
	assert.Len(t, page, 5)
	assert.Equal(t, 2, meta.CurrentPage)

	enabled := true
	_, meta, err = repo.List(ctx, 1, AutomationFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, int64(10), meta.Total)

	page, _, err = repo.List(ctx, 1, AutomationFilter{Search: "GARAGE"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Rule 07", page[0].Name)

	_, meta, err = repo.List(ctx, 1, AutomationFilter{PerPage: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxPerPage, meta.PerPage)
}

func TestAutomationRepository_ListActive(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	ctx := context.Background()

	active, err := repo.Create(ctx, sampleAutomation(1, "active"))
	require.NoError(t, err)
	disabled := sampleAutomation(1, "disabled")
	disabled.Enabled = false
	_, err = repo.Create(ctx, disabled)
	require.NoError(t, err)
	draft := sampleAutomation(1, "draft")
	draft.IsDraft = true
	_, err = repo.Create(ctx, draft)
	require.NoError(t, err)

	list, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)
	assert.Len(t, list[0].Triggers, 2)
}

func TestAutomationRepository_ToggleTwiceRestores(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleAutomation(1, "Fan"))
	require.NoError(t, err)

	enabled, err := repo.Toggle(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.False(t, enabled)
	off, err := repo.FindByID(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.Nil(t, off.ActivatedAt)

	enabled, err = repo.Toggle(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.True(t, enabled)
	on, err := repo.FindByID(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.NotNil(t, on.ActivatedAt)

	_, err = repo.Toggle(ctx, 2, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAutomationRepository_SetEnabledIsIdempotent(t *testing.T) {
	repo := NewAutomationRepository(setupTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleAutomation(1, "Fan"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		enabled, err := repo.SetEnabled(ctx, 1, created.ID, false)
		require.NoError(t, err)
		assert.False(t, enabled)
	}
	got, err := repo.FindByID(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.ActivatedAt)

	_, err = repo.SetEnabled(ctx, 1, created.ID, true)
	require.NoError(t, err)
	got, err = repo.FindByID(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.NotNil(t, got.ActivatedAt)
}

func TestAutomationRepository_Stats(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAutomationRepository(db)
	logs := NewLogRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	var ids []uint64
	for i := 0; i < 4; i++ {
		a := sampleAutomation(1, fmt.Sprintf("a%d", i))
		a.Enabled = i != 3
		created, err := repo.Create(ctx, a)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	appendLog := func(id uint64, status models.RunStatus, offset time.Duration) {
		require.NoError(t, logs.Append(ctx, &models.AutomationLog{AutomationID: id, Status: status, ExecutedAt: base.Add(offset)}))
	}
	// recovered: latest is success
	appendLog(ids[0], models.StatusFailed, 0)
	appendLog(ids[0], models.StatusSuccess, time.Minute)
	// latest is partial
	appendLog(ids[1], models.StatusSuccess, 0)
	appendLog(ids[1], models.StatusPartial, time.Minute)
	// latest is warning
	appendLog(ids[2], models.StatusWarning, 0)

	stats, err := repo.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationStats{Total: 4, Enabled: 3, Disabled: 1, WithErrors: 2}, stats)

	empty, err := repo.Stats(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationStats{}, empty)
}

func TestLogRepository_QueryAndStats(t *testing.T) {
	logs := NewLogRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	statuses := []models.RunStatus{
		models.StatusSuccess, models.StatusFailed, models.StatusSkipped, models.StatusFailed,
		models.StatusPartial, models.StatusFailed, models.StatusWarning, models.StatusSuccess,
	}
	for i, s := range statuses {
		require.NoError(t, logs.Append(ctx, &models.AutomationLog{
			AutomationID: 1,
			ExecutedAt:   base.Add(time.Duration(i) * time.Minute),
			Status:       s,
			Details:      fmt.Sprintf("run %d", i),
		}))
	}
	require.NoError(t, logs.Append(ctx, &models.AutomationLog{AutomationID: 2, Status: models.StatusFailed}))

	f := LogFilter{Status: "failed", PerPage: 2}
	var rows []models.AutomationLog
	for page := 1; ; page++ {
		f.Page = page
		got, meta, err := logs.Query(ctx, 1, f)
		require.NoError(t, err)
		rows = append(rows, got...)
		if page >= meta.LastPage {
			break
		}
	}
	for _, r := range rows {
		assert.Equal(t, models.StatusFailed, r.Status)
	}
	assert.Equal(t, "run 5", rows[0].Details, "newest first")

	stats, err := logs.Stats(ctx, 1, f)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), stats.FilteredStats.Total)
	assert.Equal(t, int64(3), stats.FilteredStats.Failed)
	assert.Equal(t, models.LogCounts{Total: 8, Successful: 2, Failed: 3, Skipped: 1, Partial: 1, Warning: 1}, stats.TotalStats)

	searched, meta, err := logs.Query(ctx, 1, LogFilter{Status: StatusAll, Search: "RUN 4"})
	require.NoError(t, err)
	require.Len(t, searched, 1)
	assert.Equal(t, models.StatusPartial, searched[0].Status)
	assert.Equal(t, int64(1), meta.Total)

	latest, err := logs.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "run 7", latest.Details)

	_, err = logs.Latest(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotificationRepository(t *testing.T) {
	repo := NewNotificationRepository(setupTestDB(t))
	ctx := context.Background()

	n, err := repo.Create(ctx, 1, "Door", "Front door opened")
	require.NoError(t, err)
	assert.NotZero(t, n.ID)
	_, err = repo.Create(ctx, 2, "Other", "x")
	require.NoError(t, err)

	list, err := repo.ListForUser(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Front door opened", list[0].Message)
}
