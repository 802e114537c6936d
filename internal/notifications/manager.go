// Package notifications handles desktop glucose alerts
package notifications

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/models"
)

// Notifier delivers a notification
type Notifier func(title, message string) error

func beeepNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Manager handles glucose alerts and notifications
type Manager struct {
	settings      models.AlertSettings
	lastAlertTime map[string]time.Time
	clock         clock.Clock
	notify        Notifier
	mu            sync.Mutex
}

// NewManager creates a new notification manager sending through beeep
func NewManager(settings models.AlertSettings, clk clock.Clock) *Manager {
	return &Manager{
		settings:      settings,
		lastAlertTime: make(map[string]time.Time),
		clock:         clk,
		notify:        beeepNotify,
	}
}

// WithNotifier replaces the delivery function
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notify = n
	return m
}

// Observe checks a reading and logs delivery failures
func (m *Manager) Observe(r models.Reading) {
	if err := m.CheckAndNotify(r); err != nil {
		logging.Warn().Err(err).Msg("failed to send glucose alert")
	}
}

// CheckAndNotify checks the reading and sends a notification if needed
func (m *Manager) CheckAndNotify(r models.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearResolved(m.settings.GetGlucoseStatus(r.Value))

	alertType := m.shouldAlert(r)
	if alertType == "" {
		return nil
	}

	now := m.clock.Now()

	// Check if we should repeat the alert
	if lastTime, ok := m.lastAlertTime[alertType]; ok {
		if m.settings.RepeatAlertMinutes > 0 {
			repeatDuration := time.Duration(m.settings.RepeatAlertMinutes) * time.Minute
			if now.Sub(lastTime) < repeatDuration {
				return nil
			}
		} else {
			// No repeat, only alert once per status change
			return nil
		}
	}

	title, message := m.formatNotification(r, alertType)
	if err := m.notify(title, message); err != nil {
		return fmt.Errorf("sending %s alert: %w", alertType, err)
	}

	m.lastAlertTime[alertType] = now
	return nil
}

// shouldAlert determines if an alert should be sent
func (m *Manager) shouldAlert(r models.Reading) string {
	status := m.settings.GetGlucoseStatus(r.Value)
	switch status {
	case models.StatusUrgentLow:
		if m.settings.EnableUrgentLowAlert {
			return status
		}
	case models.StatusLow:
		if m.settings.EnableLowAlert {
			return status
		}
	case models.StatusUrgentHigh:
		if m.settings.EnableUrgentHighAlert {
			return status
		}
	case models.StatusHigh:
		if m.settings.EnableHighAlert {
			return status
		}
	}
	return ""
}

// formatNotification creates the notification title and message
func (m *Manager) formatNotification(r models.Reading, alertType string) (string, string) {
	var title, message string
	var valueStr string

	if m.settings.Unit == models.UnitMmolL {
		valueStr = fmt.Sprintf("%.1f mmol/L", r.ValueMmolL())
	} else {
		valueStr = fmt.Sprintf("%d mg/dL", r.Value)
	}

	switch alertType {
	case models.StatusUrgentLow:
		title = "⚠️ URGENT LOW GLUCOSE"
		message = fmt.Sprintf("Glucose is critically low: %s %s", valueStr, r.TrendArrow())
	case models.StatusLow:
		title = "⬇️ Low Glucose"
		message = fmt.Sprintf("Glucose is low: %s %s", valueStr, r.TrendArrow())
	case models.StatusUrgentHigh:
		title = "⚠️ URGENT HIGH GLUCOSE"
		message = fmt.Sprintf("Glucose is critically high: %s %s", valueStr, r.TrendArrow())
	case models.StatusHigh:
		title = "⬆️ High Glucose"
		message = fmt.Sprintf("Glucose is high: %s %s", valueStr, r.TrendArrow())
	}

	return title, message
}

// clearResolved forgets alerts for every status except the current one, so
// the next excursion into a resolved status alerts immediately. Back in range
// clears everything.
func (m *Manager) clearResolved(current string) {
	for alertType := range m.lastAlertTime {
		if alertType != current {
			delete(m.lastAlertTime, alertType)
		}
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.notify("glucose-scraper", "Test notification - alerts are working!")
}
