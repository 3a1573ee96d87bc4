// Package scheduler decides when the triggers of active automations fire.
// Time and interval triggers are polled on a fixed tick; MQTT and state-change
// triggers are driven by incoming events.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"smarthome-automations/internal/automation"
	"smarthome-automations/internal/metrics"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/mqtt"
	"smarthome-automations/internal/utils"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Subscriber is the MQTT side of the scheduler
type Subscriber interface {
	Subscribe(topic string, h mqtt.Handler) error
	Unsubscribe(topics ...string) error
}

type timeEntry struct {
	triggerID string
	schedule  cron.Schedule
	// minute of the last fire, guards against firing twice in one minute
	lastFired time.Time
}

type intervalEntry struct {
	triggerID string
	every     time.Duration
	anchor    time.Time
	next      time.Time
}

type mqttEntry struct {
	triggerID string
	topic     string
	payload   map[string]any
}

type stateEntry struct {
	triggerID string
	deviceID  string
	field     string
}

type entry struct {
	automationID uint64
	times        []*timeEntry
	intervals    []*intervalEntry
	mqtt         []mqttEntry
	states       []stateEntry
}

// Scheduler manages trigger firing for active automations
type Scheduler struct {
	cron *cron.Cron
	sub  Subscriber
	loc  *time.Location
	tick time.Duration
	now  func() time.Time
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[uint64]*entry
	onFire  func(models.EvaluationTask)

	// serializes broker subscription changes
	subMu  sync.Mutex
	topics map[string]bool
}

// NewScheduler creates a scheduler. sub may be nil when MQTT triggers are not used.
func NewScheduler(sub Subscriber, loc *time.Location, tick time.Duration) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if tick <= 0 {
		tick = time.Second
	}
	logger := utils.Component("scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		),
		sub:     sub,
		loc:     loc,
		tick:    tick,
		now:     time.Now,
		log:     logger,
		entries: make(map[uint64]*entry),
		topics:  make(map[string]bool),
		onFire:  func(models.EvaluationTask) {},
	}
}

// OnFire sets the function every fired trigger is handed to. It must not block.
func (s *Scheduler) OnFire(fn func(models.EvaluationTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFire = fn
}

// Start starts the tick loop
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.tick), func() { s.Tick(s.now()) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.cron.Start()
	s.log.Info().Dur("tick", s.tick).Str("timezone", s.loc.String()).Msg("Scheduler started")
	return nil
}

// Stop stops the tick loop and drops all broker subscriptions
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub != nil && len(s.topics) > 0 {
		topics := make([]string, 0, len(s.topics))
		for t := range s.topics {
			topics = append(topics, t)
		}
		if err := s.sub.Unsubscribe(topics...); err != nil {
			s.log.Warn().Err(err).Msg("Failed to unsubscribe trigger topics")
		}
		s.topics = make(map[string]bool)
	}
	s.log.Info().Msg("Scheduler stopped")
}

// Len returns the number of automations being watched
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Register starts or refreshes watching an automation. Inactive automations are removed.
func (s *Scheduler) Register(a *models.Automation) {
	if !a.Active() {
		s.Remove(a.ID)
		return
	}

	now := s.now()
	anchor := now
	if a.ActivatedAt != nil {
		anchor = *a.ActivatedAt
	}

	s.mu.Lock()
	old := s.entries[a.ID]
	e := &entry{automationID: a.ID}
	for _, t := range a.Triggers {
		switch spec := t.Spec.(type) {
		case models.TimeTrigger:
			sched, err := automation.TimeTriggerSchedule(spec)
			if err != nil {
				s.log.Error().Err(err).Uint64("automation_id", a.ID).Str("trigger_id", t.ID).Msg("Invalid time trigger")
				continue
			}
			te := &timeEntry{triggerID: t.ID, schedule: sched}
			if prev := old.findTime(t.ID); prev != nil {
				te.lastFired = prev.lastFired
			}
			e.times = append(e.times, te)

		case models.IntervalTrigger:
			if spec.Seconds < 1 {
				continue
			}
			every := time.Duration(spec.Seconds) * time.Second
			ie := &intervalEntry{triggerID: t.ID, every: every, anchor: anchor}
			if prev := old.findInterval(t.ID); prev != nil && prev.every == every && prev.anchor.Equal(anchor) {
				ie.next = prev.next
			} else {
				ie.next = firstTargetAfter(anchor, every, now)
			}
			e.intervals = append(e.intervals, ie)

		case models.MQTTTrigger:
			e.mqtt = append(e.mqtt, mqttEntry{triggerID: t.ID, topic: spec.Topic, payload: spec.Payload})

		case models.StateChangeTrigger:
			e.states = append(e.states, stateEntry{triggerID: t.ID, deviceID: spec.DeviceID, field: spec.Field})
		}
	}
	s.entries[a.ID] = e
	s.mu.Unlock()

	s.log.Debug().Uint64("automation_id", a.ID).Int("triggers", len(a.Triggers)).Msg("Automation registered")
	s.syncTopics()
}

// Remove stops watching an automation
func (s *Scheduler) Remove(id uint64) {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if ok {
		s.log.Debug().Uint64("automation_id", id).Msg("Automation removed")
		s.syncTopics()
	}
}

func (e *entry) findTime(id string) *timeEntry {
	if e == nil {
		return nil
	}
	for _, t := range e.times {
		if t.triggerID == id {
			return t
		}
	}
	return nil
}

func (e *entry) findInterval(id string) *intervalEntry {
	if e == nil {
		return nil
	}
	for _, t := range e.intervals {
		if t.triggerID == id {
			return t
		}
	}
	return nil
}

// firstTargetAfter returns the first point of the anchor+k*every grid (k ≥ 1) after now
func firstTargetAfter(anchor time.Time, every time.Duration, now time.Time) time.Time {
	next := anchor.Add(every)
	if now.Before(next) {
		return next
	}
	k := now.Sub(anchor)/every + 1
	return anchor.Add(k * every)
}

// Tick fires the time and interval triggers that are due at now
func (s *Scheduler) Tick(now time.Time) {
	local := now.In(s.loc)
	minute := automation.MinuteOf(local)

	var fires []models.EvaluationTask
	s.mu.Lock()
	for _, e := range s.entries {
		for _, te := range e.times {
			if te.lastFired.Equal(minute) || !automation.MatchesMinute(te.schedule, local) {
				continue
			}
			te.lastFired = minute
			fires = append(fires, models.EvaluationTask{
				AutomationID: e.automationID,
				TriggerID:    te.triggerID,
				TriggerType:  models.TriggerTime,
				FiredAt:      minute,
				EnqueuedAt:   now,
			})
		}
		for _, ie := range e.intervals {
			if now.Before(ie.next) {
				continue
			}
			// one fire for the latest due target, missed targets are skipped
			missed := now.Sub(ie.next) / ie.every
			target := ie.next.Add(missed * ie.every)
			ie.next = target.Add(ie.every)
			fires = append(fires, models.EvaluationTask{
				AutomationID: e.automationID,
				TriggerID:    ie.triggerID,
				TriggerType:  models.TriggerInterval,
				FiredAt:      target,
				EnqueuedAt:   now,
			})
		}
	}
	submit := s.onFire
	s.mu.Unlock()

	s.dispatch(submit, fires)
}

// HandleStateChange fires the state-change triggers watching the changed field
func (s *Scheduler) HandleStateChange(ch models.StateChange) {
	now := s.now()
	var fires []models.EvaluationTask
	s.mu.Lock()
	for _, e := range s.entries {
		for _, st := range e.states {
			if st.deviceID != ch.DeviceID || st.field != ch.Field {
				continue
			}
			fires = append(fires, models.EvaluationTask{
				AutomationID: e.automationID,
				TriggerID:    st.triggerID,
				TriggerType:  models.TriggerStateChange,
				FiredAt:      ch.At,
				EnqueuedAt:   now,
				Context:      ch.Context(),
			})
		}
	}
	submit := s.onFire
	s.mu.Unlock()

	s.dispatch(submit, fires)
}

// handleMessage fires the MQTT triggers registered for the subscription filter
func (s *Scheduler) handleMessage(filter, topic string, payload []byte) {
	if !mqtt.MatchTopic(filter, topic) {
		return
	}
	now := s.now()
	var fires []models.EvaluationTask
	s.mu.Lock()
	for _, e := range s.entries {
		for _, m := range e.mqtt {
			if m.topic != filter || !automation.MatchPayload(m.payload, payload) {
				continue
			}
			fires = append(fires, models.EvaluationTask{
				AutomationID: e.automationID,
				TriggerID:    m.triggerID,
				TriggerType:  models.TriggerMQTT,
				FiredAt:      now,
				EnqueuedAt:   now,
				Context:      map[string]any{"topic": topic, "payload": string(payload)},
			})
		}
	}
	submit := s.onFire
	s.mu.Unlock()

	s.dispatch(submit, fires)
}

func (s *Scheduler) dispatch(submit func(models.EvaluationTask), fires []models.EvaluationTask) {
	// deterministic order keeps logs and tests stable
	sort.Slice(fires, func(i, j int) bool {
		if fires[i].AutomationID != fires[j].AutomationID {
			return fires[i].AutomationID < fires[j].AutomationID
		}
		return fires[i].TriggerID < fires[j].TriggerID
	})
	for _, task := range fires {
		metrics.TriggerFires.WithLabelValues(string(task.TriggerType)).Inc()
		s.log.Debug().
			Uint64("automation_id", task.AutomationID).
			Str("trigger_id", task.TriggerID).
			Str("type", string(task.TriggerType)).
			Time("fired_at", task.FiredAt).
			Msg("Trigger fired")
		submit(task)
	}
}

// syncTopics subscribes to newly referenced MQTT topics and drops unused ones
func (s *Scheduler) syncTopics() {
	if s.sub == nil {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()

	wanted := map[string]bool{}
	s.mu.Lock()
	for _, e := range s.entries {
		for _, m := range e.mqtt {
			wanted[m.topic] = true
		}
	}
	s.mu.Unlock()

	var stale []string
	for t := range s.topics {
		if !wanted[t] {
			stale = append(stale, t)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		if err := s.sub.Unsubscribe(stale...); err != nil {
			s.log.Warn().Err(err).Strs("topics", stale).Msg("Failed to unsubscribe trigger topics")
		}
		for _, t := range stale {
			delete(s.topics, t)
		}
	}

	for t := range wanted {
		if s.topics[t] {
			continue
		}
		filter := t
		err := s.sub.Subscribe(filter, func(topic string, payload []byte) {
			s.handleMessage(filter, topic, payload)
		})
		if err != nil {
			s.log.Error().Err(err).Str("topic", filter).Msg("Failed to subscribe trigger topic")
			continue
		}
		s.topics[filter] = true
	}
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
