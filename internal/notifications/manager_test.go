package notifications

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/models"
)

// Test constants
const (
	testUrgentLow = "urgent_low"
	testMmolUnit  = "mmol/L"
)

type sent struct {
	title, message string
}

func newTestManager(settings models.AlertSettings) (*Manager, *clock.Fake, *[]sent) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	var out []sent
	m := NewManager(settings, clk).WithNotifier(func(title, message string) error {
		out = append(out, sent{title, message})
		return nil
	})
	return m, clk, &out
}

func TestManager_shouldAlert(t *testing.T) {
	manager, _, _ := newTestManager(models.DefaultAlertSettings())

	tests := []struct {
		name     string
		value    int
		expected string
	}{
		{"Urgent low enabled", 50, "urgent_low"},
		{"Low enabled", 65, "low"},
		{"High enabled", 190, "high"},
		{"Urgent high enabled", 300, "urgent_high"},
		{"Normal", 110, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := manager.shouldAlert(models.Reading{Value: tt.value})
			if result != tt.expected {
				t.Errorf("shouldAlert() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestManager_shouldAlert_Disabled(t *testing.T) {
	settings := models.DefaultAlertSettings()
	settings.EnableLowAlert = false
	settings.EnableHighAlert = false
	manager, _, _ := newTestManager(settings)

	if result := manager.shouldAlert(models.Reading{Value: 65}); result != "" {
		t.Errorf("shouldAlert() = %s, want empty (disabled)", result)
	}
	if result := manager.shouldAlert(models.Reading{Value: 190}); result != "" {
		t.Errorf("shouldAlert() = %s, want empty (disabled)", result)
	}
	if result := manager.shouldAlert(models.Reading{Value: 40}); result != testUrgentLow {
		t.Errorf("shouldAlert() = %s, want %s", result, testUrgentLow)
	}
}

func TestManager_formatNotification(t *testing.T) {
	manager, _, _ := newTestManager(models.DefaultAlertSettings())

	tests := []struct {
		alertType     string
		expectedTitle string
	}{
		{"urgent_low", "⚠️ URGENT LOW GLUCOSE"},
		{"low", "⬇️ Low Glucose"},
		{"high", "⬆️ High Glucose"},
		{"urgent_high", "⚠️ URGENT HIGH GLUCOSE"},
	}

	r := models.Reading{Value: 100, Trend: models.TrendFlat}

	for _, tt := range tests {
		t.Run(tt.alertType, func(t *testing.T) {
			title, message := manager.formatNotification(r, tt.alertType)
			if title != tt.expectedTitle {
				t.Errorf("title = %s, want %s", title, tt.expectedTitle)
			}
			if !strings.Contains(message, "100 mg/dL →") {
				t.Errorf("message = %s", message)
			}
		})
	}
}

func TestManager_formatNotification_MmolL(t *testing.T) {
	settings := models.DefaultAlertSettings()
	settings.Unit = testMmolUnit
	manager, _, _ := newTestManager(settings)

	_, message := manager.formatNotification(models.Reading{Value: 99}, "low")
	if !strings.Contains(message, "5.5") {
		t.Errorf("Message should contain mmol/L value, got: %s", message)
	}
}

func TestManager_CheckAndNotify_Repeat(t *testing.T) {
	manager, clk, out := newTestManager(models.DefaultAlertSettings())

	high := models.Reading{Value: 200, Trend: models.TrendSingleUp}

	if err := manager.CheckAndNotify(high); err != nil {
		t.Fatalf("CheckAndNotify() error = %v", err)
	}
	clk.Advance(5 * time.Minute)
	_ = manager.CheckAndNotify(high)
	if len(*out) != 1 {
		t.Fatalf("sent %d notifications, want 1 within repeat window", len(*out))
	}

	clk.Advance(15 * time.Minute)
	_ = manager.CheckAndNotify(high)
	if len(*out) != 2 {
		t.Errorf("sent %d notifications, want 2 after repeat window", len(*out))
	}
}

func TestManager_CheckAndNotify_NoRepeat(t *testing.T) {
	settings := models.DefaultAlertSettings()
	settings.RepeatAlertMinutes = 0
	manager, clk, out := newTestManager(settings)

	low := models.Reading{Value: 60}
	_ = manager.CheckAndNotify(low)
	clk.Advance(time.Hour)
	_ = manager.CheckAndNotify(low)
	if len(*out) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(*out))
	}

	// Returning to range re-arms the alert
	_ = manager.CheckAndNotify(models.Reading{Value: 110})
	_ = manager.CheckAndNotify(low)
	if len(*out) != 2 {
		t.Errorf("sent %d notifications, want 2 after recovery", len(*out))
	}
}

func TestManager_CheckAndNotify_Error(t *testing.T) {
	manager := NewManager(models.DefaultAlertSettings(), clock.NewFake(time.Now())).
		WithNotifier(func(string, string) error { return errors.New("no notification daemon") })

	if err := manager.CheckAndNotify(models.Reading{Value: 40}); err == nil {
		t.Error("Expected error from failing notifier")
	}
	if len(manager.lastAlertTime) != 0 {
		t.Error("failed alert should not be recorded")
	}
}

func TestManager_CheckAndNotify_ClearsResolvedAlerts(t *testing.T) {
	manager, clk, out := newTestManager(models.DefaultAlertSettings())

	_ = manager.CheckAndNotify(models.Reading{Value: 50})
	clk.Advance(5 * time.Minute)
	_ = manager.CheckAndNotify(models.Reading{Value: 65})
	if len(*out) != 2 {
		t.Fatalf("sent %d notifications, want urgent low then low", len(*out))
	}
	if _, ok := manager.lastAlertTime[testUrgentLow]; ok {
		t.Error("urgent low should be cleared once glucose is only low")
	}

	// Dropping back within the repeat window alerts again
	clk.Advance(5 * time.Minute)
	_ = manager.CheckAndNotify(models.Reading{Value: 50})
	if len(*out) != 3 {
		t.Errorf("sent %d notifications, want 3", len(*out))
	}

	_ = manager.CheckAndNotify(models.Reading{Value: 110})
	if len(manager.lastAlertTime) != 0 {
		t.Errorf("in range reading should clear all alerts, have %v", manager.lastAlertTime)
	}
}
