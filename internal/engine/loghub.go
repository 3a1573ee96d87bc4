package engine

import (
	"sync"

	"smarthome-automations/internal/models"
)

const subscriberBuffer = 16

// LogHub fans appended log rows out to live subscribers
type LogHub struct {
	mu   sync.RWMutex
	next int
	subs map[uint64]map[int]chan models.AutomationLog
}

func NewLogHub() *LogHub {
	return &LogHub{subs: make(map[uint64]map[int]chan models.AutomationLog)}
}

// Subscribe returns a channel of new rows for one automation and a function to stop receiving
func (h *LogHub) Subscribe(automationID uint64) (<-chan models.AutomationLog, func()) {
	ch := make(chan models.AutomationLog, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[automationID] == nil {
		h.subs[automationID] = make(map[int]chan models.AutomationLog)
	}
	h.subs[automationID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[automationID], id)
			if len(h.subs[automationID]) == 0 {
				delete(h.subs, automationID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers a row to its subscribers. Slow subscribers miss rows instead of blocking the runner.
func (h *LogHub) Publish(row models.AutomationLog) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[row.AutomationID] {
		select {
		case ch <- row:
		default:
		}
	}
}
