package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smarthome-automations/internal/automation"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/mqtt"
	"smarthome-automations/internal/scheduler"
	"smarthome-automations/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 3, 12, 30, 15, 0, time.UTC)

type fakeAutomations struct {
	mu   sync.Mutex
	byID map[uint64]*models.Automation
	err  error
}

func newFakeAutomations(list ...*models.Automation) *fakeAutomations {
	f := &fakeAutomations{byID: map[uint64]*models.Automation{}}
	for _, a := range list {
		f.byID[a.ID] = a
	}
	return f
}

func (f *fakeAutomations) FindAnyByID(_ context.Context, id uint64) (*models.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAutomations) ListActive(context.Context) ([]models.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Automation
	for _, a := range f.byID {
		if a.Active() {
			out = append(out, *a)
		}
	}
	return out, nil
}

type memLogs struct {
	mu   sync.Mutex
	rows []models.AutomationLog
}

func (m *memLogs) Append(_ context.Context, l *models.AutomationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = uint64(len(m.rows) + 1)
	m.rows = append(m.rows, *l)
	return nil
}

// dbLogs fails like a database driver once the context is done
type dbLogs struct {
	memLogs
}

func (d *dbLogs) Append(ctx context.Context, l *models.AutomationLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.memLogs.Append(ctx, l)
}

func (m *memLogs) all() []models.AutomationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AutomationLog(nil), m.rows...)
}

type fakeState map[string]models.FieldReading

func (f fakeState) GetFieldValue(_ context.Context, deviceID, field string) (models.FieldReading, error) {
	return f[deviceID+"."+field], nil
}

type panickingState struct{}

func (panickingState) GetFieldValue(context.Context, string, string) (models.FieldReading, error) {
	panic("boom")
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	hang   bool
	topics []string
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, _ []byte) error {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	hang, err := p.hang, p.err
	p.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *fakePublisher) PublishAsync(topic string, payload []byte) error {
	return p.Publish(context.Background(), topic, payload)
}

type nopNotifier struct{}

func (nopNotifier) CreateNotification(context.Context, int64, string, string) error { return nil }

type allDevices struct{}

func (allDevices) DeviceExists(context.Context, string) (bool, error) { return true, nil }

type harness struct {
	automations *fakeAutomations
	logs        *memLogs
	publisher   *fakePublisher
	runner      *Runner
}

func newHarness(state automation.StateReader, list ...*models.Automation) *harness {
	h := &harness{
		automations: newFakeAutomations(list...),
		logs:        &memLogs{},
		publisher:   &fakePublisher{},
	}
	evaluator := automation.NewEvaluator(state, time.UTC, 0)
	executor := automation.NewExecutor(h.publisher, nopNotifier{}, allDevices{})
	h.runner = NewRunner(h.automations, h.logs, evaluator, executor, NewLogHub())
	h.runner.now = func() time.Time { return now }
	return h
}

func activeAutomation(id uint64, triggers []models.Trigger, conds []models.Condition, actions ...models.Action) *models.Automation {
	activated := now.Add(-time.Hour)
	return &models.Automation{
		ID:          id,
		OwnerID:     1,
		Name:        "test",
		Enabled:     true,
		ActivatedAt: &activated,
		Triggers:    triggers,
		Conditions:  conds,
		Actions:     actions,
	}
}

func intervalTask(id uint64, triggerID string) models.EvaluationTask {
	return models.EvaluationTask{
		AutomationID: id,
		TriggerID:    triggerID,
		TriggerType:  models.TriggerInterval,
		FiredAt:      now,
		EnqueuedAt:   now,
	}
}

func logAction(v any) models.Action {
	return models.Action{ID: "log", Spec: models.LogAction{Value: v}}
}

func TestScenarioStateChangeRunsLogAction(t *testing.T) {
	a := activeAutomation(1,
		[]models.Trigger{{ID: "tr", Spec: models.StateChangeTrigger{DeviceID: "D1", Field: "f"}}},
		nil,
		logAction("x"),
	)
	h := newHarness(fakeState{}, a)

	sched := scheduler.NewScheduler(nil, time.UTC, time.Second)
	var tasks []models.EvaluationTask
	sched.OnFire(func(task models.EvaluationTask) { tasks = append(tasks, task) })
	sched.Register(a)

	changes := automation.DiffState("D1", models.DeviceState{"f": 10.0}, models.DeviceState{"f": 11.0}, now)
	for _, ch := range changes {
		sched.HandleStateChange(ch)
	}
	require.Len(t, tasks, 1)
	require.NoError(t, h.runner.Run(context.Background(), tasks[0]))

	rows := h.logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusSuccess, rows[0].Status)
	assert.Contains(t, rows[0].Details, "logged: x")
}

func TestScenarioFailedConditionSkips(t *testing.T) {
	a := activeAutomation(1,
		[]models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 60}}},
		[]models.Condition{{ID: "c", Spec: models.SimpleCondition{DeviceID: "D1", Field: "f", Operator: models.OpGreater, Value: 5.0}}},
		models.Action{ID: "pub", Spec: models.MQTTPublishAction{Topic: "home/x", Payload: "on"}},
	)
	h := newHarness(fakeState{"D1.f": {Value: 3.0, Found: true, UpdatedAt: now}}, a)

	require.NoError(t, h.runner.Run(context.Background(), intervalTask(1, "every")))

	rows := h.logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusSkipped, rows[0].Status)
	assert.Contains(t, rows[0].Details, "condition #0 (simple) not met")
	assert.Empty(t, h.publisher.topics)
}

func TestScenarioPublishFailureIsPartial(t *testing.T) {
	a := activeAutomation(1,
		[]models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 60}}},
		nil,
		models.Action{ID: "pub", Spec: models.MQTTPublishAction{Topic: "home/x", Payload: "on"}},
		logAction("after"),
	)
	h := newHarness(fakeState{}, a)
	h.publisher.err = mqtt.ErrNotConnected

	require.NoError(t, h.runner.Run(context.Background(), intervalTask(1, "every")))

	rows := h.logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusPartial, rows[0].Status)
	assert.Contains(t, rows[0].Details, "action #0 mqtt_publish failed")
	assert.Contains(t, rows[0].Details, "action #1 log ok: logged: after")
	assert.Equal(t, []string{"home/x"}, h.publisher.topics)
}

func TestEveryFireWritesExactlyOneRow(t *testing.T) {
	triggers := []models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 60}}}
	cond := []models.Condition{{ID: "c", Spec: models.SimpleCondition{DeviceID: "D1", Field: "f", Operator: models.OpEqual, Value: 1.0}}}

	cases := []struct {
		name   string
		state  automation.StateReader
		conds  []models.Condition
		status models.RunStatus
	}{
		{"passes", fakeState{"D1.f": {Value: 1.0, Found: true}}, cond, models.StatusSuccess},
		{"fails", fakeState{"D1.f": {Value: 2.0, Found: true}}, cond, models.StatusSkipped},
		{"missing value", fakeState{}, cond, models.StatusSkipped},
		{"panics", panickingState{}, cond, models.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(tc.state, activeAutomation(1, triggers, tc.conds, logAction("x")))
			require.NoError(t, h.runner.Run(context.Background(), intervalTask(1, "every")))
			rows := h.logs.all()
			require.Len(t, rows, 1)
			assert.Equal(t, tc.status, rows[0].Status)
		})
	}
}

func TestPanicIsRecordedWithDiagnostics(t *testing.T) {
	triggers := []models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 60}}}
	cond := []models.Condition{{ID: "c", Spec: models.SimpleCondition{DeviceID: "D1", Field: "f", Operator: models.OpEqual, Value: 1.0}}}
	h := newHarness(panickingState{}, activeAutomation(1, triggers, cond, logAction("x")))

	require.NoError(t, h.runner.Run(context.Background(), intervalTask(1, "every")))
	rows := h.logs.all()
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Details, "internal error: boom")
}

func TestLoadErrorIsRecordedAsFailed(t *testing.T) {
	h := newHarness(fakeState{})
	h.automations.err = errors.New("connection refused")

	require.NoError(t, h.runner.Run(context.Background(), intervalTask(7, "every")))
	rows := h.logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(7), rows[0].AutomationID)
	assert.Equal(t, models.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Details, "connection refused")
}

func TestCancelledTasksWriteNoRow(t *testing.T) {
	triggers := []models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 60}}}

	disabled := activeAutomation(1, triggers, nil, logAction("x"))
	disabled.Enabled = false
	draft := activeAutomation(2, triggers, nil, logAction("x"))
	draft.IsDraft = true
	reactivated := activeAutomation(3, triggers, nil, logAction("x"))
	later := now.Add(time.Minute)
	reactivated.ActivatedAt = &later
	edited := activeAutomation(4, []models.Trigger{{ID: "other", Spec: models.IntervalTrigger{Seconds: 60}}}, nil, logAction("x"))

	h := newHarness(fakeState{}, disabled, draft, reactivated, edited)
	for _, id := range []uint64{1, 2, 3, 4, 99} {
		require.NoError(t, h.runner.Run(context.Background(), intervalTask(id, "every")))
	}
	assert.Empty(t, h.logs.all())
}

func TestManualRunIgnoresActivationTime(t *testing.T) {
	a := activeAutomation(1, nil, nil, logAction("x"))
	later := now.Add(time.Minute)
	a.ActivatedAt = &later
	h := newHarness(fakeState{}, a)

	task := models.EvaluationTask{AutomationID: 1, TriggerID: models.ManualTriggerID, FiredAt: now, EnqueuedAt: now}
	require.NoError(t, h.runner.Run(context.Background(), task))
	rows := h.logs.all()
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Details, "manual run")
}

func TestRunPublishesToHub(t *testing.T) {
	a := activeAutomation(1, []models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 60}}}, nil, logAction("x"))
	h := newHarness(fakeState{}, a)
	rows, stop := h.runner.hub.Subscribe(1)
	defer stop()

	require.NoError(t, h.runner.Run(context.Background(), intervalTask(1, "every")))
	select {
	case row := <-rows:
		assert.Equal(t, models.StatusSuccess, row.Status)
		assert.NotZero(t, row.ID)
	case <-time.After(time.Second):
		t.Fatal("no row published")
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var k keyedMutex
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(1)
			defer unlock()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight)
	assert.Empty(t, k.locks)
}

func TestKeyedMutexDoesNotBlockOtherKeys(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock(1)
	defer unlock()

	done := make(chan struct{})
	go func() {
		k.Lock(2)()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

type blockingHandler struct {
	release chan struct{}
	ran     atomic.Int32
}

func (b *blockingHandler) Run(context.Context, models.EvaluationTask) error {
	<-b.release
	b.ran.Add(1)
	return nil
}

func TestLocalDispatcherRejectsWhenFull(t *testing.T) {
	handler := &blockingHandler{release: make(chan struct{})}
	d := NewLocalDispatcher(handler, 1, 1)
	require.NoError(t, d.Start(context.Background()))

	accepted := 0
	var full bool
	for i := 0; i < 10; i++ {
		err := d.Submit(models.EvaluationTask{AutomationID: uint64(i)})
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, ErrQueueFull)
		full = true
	}
	assert.True(t, full)

	close(handler.release)
	d.Stop()
	assert.Equal(t, int32(accepted), handler.ran.Load())
	assert.ErrorIs(t, d.Submit(models.EvaluationTask{}), ErrDispatcherStopped)
}

type fakeScheduler struct {
	mu         sync.Mutex
	fire       func(models.EvaluationTask)
	registered map[uint64]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{registered: map[uint64]bool{}}
}

func (s *fakeScheduler) OnFire(fn func(models.EvaluationTask)) { s.fire = fn }
func (s *fakeScheduler) Start() error                          { return nil }
func (s *fakeScheduler) Stop()                                 {}

func (s *fakeScheduler) Register(a *models.Automation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Active() {
		s.registered[a.ID] = true
	} else {
		delete(s.registered, a.ID)
	}
}

func (s *fakeScheduler) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registered, id)
}

type fullDispatcher struct{}

func (fullDispatcher) Start(context.Context) error        { return nil }
func (fullDispatcher) Submit(models.EvaluationTask) error { return ErrQueueFull }
func (fullDispatcher) Stop()                              {}

func TestEngineLoadsActiveAndRefreshes(t *testing.T) {
	a := activeAutomation(1, nil, nil, logAction("x"))
	off := activeAutomation(2, nil, nil, logAction("x"))
	off.Enabled = false
	h := newHarness(fakeState{}, a, off)
	sched := newFakeScheduler()
	e := NewEngine(h.automations, sched, NewLocalDispatcher(h.runner, 2, 8), h.runner, nil, h.runner.hub)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()
	assert.Equal(t, map[uint64]bool{1: true}, sched.registered)

	h.automations.mu.Lock()
	h.automations.byID[2].Enabled = true
	h.automations.mu.Unlock()
	require.NoError(t, e.RefreshAutomation(context.Background(), 2))
	assert.True(t, sched.registered[2])

	require.NoError(t, e.RefreshAutomation(context.Background(), 42))
	e.RemoveAutomation(1)
	assert.Equal(t, map[uint64]bool{2: true}, sched.registered)
}

func TestEngineRunNow(t *testing.T) {
	a := activeAutomation(1, nil, nil, logAction("x"))
	draft := activeAutomation(2, nil, nil, logAction("x"))
	draft.IsDraft = true
	h := newHarness(fakeState{}, a, draft)
	e := NewEngine(h.automations, newFakeScheduler(), NewLocalDispatcher(h.runner, 1, 8), h.runner, nil, h.runner.hub)
	require.NoError(t, e.Start(context.Background()))

	assert.ErrorIs(t, e.RunNow(context.Background(), draft), ErrInactive)
	require.NoError(t, e.RunNow(context.Background(), a))
	e.Stop()

	rows := h.logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusSuccess, rows[0].Status)
}

func TestEngineRecordsFiresThatCannotBeQueued(t *testing.T) {
	a := activeAutomation(1, []models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 60}}}, nil, logAction("x"))
	h := newHarness(fakeState{}, a)
	sched := newFakeScheduler()
	e := NewEngine(h.automations, sched, fullDispatcher{}, h.runner, nil, h.runner.hub)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	sched.fire(intervalTask(1, "every"))
	require.Eventually(t, func() bool { return len(h.logs.all()) == 1 }, time.Second, 10*time.Millisecond)
	row := h.logs.all()[0]
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Contains(t, row.Details, "not queued")
}

func TestTimedOutRunIsStillRecorded(t *testing.T) {
	a := activeAutomation(1,
		[]models.Trigger{{ID: "every", Spec: models.IntervalTrigger{Seconds: 1}}},
		nil,
		models.Action{ID: "pub", Spec: models.MQTTPublishAction{Topic: "home/fan", Payload: map[string]any{"on": true}}},
	)
	h := newHarness(fakeState{}, a)
	h.publisher.hang = true
	logs := &dbLogs{}
	h.runner.logs = logs

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.runner.Run(ctx, intervalTask(1, "every")))

	rows := logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Details, "context deadline exceeded")
}

func TestLoadFailureOnCancelledContextIsRecorded(t *testing.T) {
	h := newHarness(fakeState{}, activeAutomation(1, nil, nil, logAction("x")))
	h.automations.err = context.Canceled
	logs := &dbLogs{}
	h.runner.logs = logs

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.runner.Run(ctx, intervalTask(1, "every")))

	rows := logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusFailed, rows[0].Status)
}

type timedRun struct {
	automationID uint64
	at           time.Duration
}

// slowHandler takes delay for automation 1 and returns at once for any other
type slowHandler struct {
	start time.Time
	delay time.Duration

	mu       sync.Mutex
	inFlight map[uint64]int
	overlap  bool
	runs     []timedRun
}

func (s *slowHandler) Run(_ context.Context, task models.EvaluationTask) error {
	s.mu.Lock()
	s.inFlight[task.AutomationID]++
	if s.inFlight[task.AutomationID] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	if task.AutomationID == 1 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[task.AutomationID]--
	s.runs = append(s.runs, timedRun{automationID: task.AutomationID, at: time.Since(s.start)})
	return nil
}

func (s *slowHandler) finished(id uint64) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, r := range s.runs {
		if r.automationID == id {
			out = append(out, r.at)
		}
	}
	return out
}

func TestBusyAutomationDoesNotHoldOtherWorkers(t *testing.T) {
	handler := &slowHandler{start: time.Now(), delay: 200 * time.Millisecond, inFlight: map[uint64]int{}}
	d := NewLocalDispatcher(handler, 2, 16)
	require.NoError(t, d.Start(context.Background()))

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Submit(models.EvaluationTask{AutomationID: 1, TriggerID: "every"}))
	}
	require.NoError(t, d.Submit(models.EvaluationTask{AutomationID: 2, TriggerID: "every"}))

	require.Eventually(t, func() bool { return len(handler.finished(2)) == 1 }, 150*time.Millisecond, 5*time.Millisecond)
	assert.Less(t, handler.finished(2)[0], handler.delay)

	d.Stop()
	assert.Len(t, handler.finished(1), 4)
	assert.False(t, handler.overlap)
}

func TestPendingRunsCountTowardsQueueSize(t *testing.T) {
	handler := &blockingHandler{release: make(chan struct{})}
	d := NewLocalDispatcher(handler, 4, 3)
	require.NoError(t, d.Start(context.Background()))

	var accepted int
	for i := 0; i < 10; i++ {
		if err := d.Submit(models.EvaluationTask{AutomationID: 7}); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			continue
		}
		accepted++
	}
	// one run in flight, at most three waiting behind it
	assert.LessOrEqual(t, accepted, 4)

	close(handler.release)
	d.Stop()
	assert.Equal(t, int32(accepted), handler.ran.Load())
}
