package timeouts

import (
	"testing"
	"time"
)

func TestTimeoutCoordination(t *testing.T) {
	// The teardown budget must cover the engine grace period and the bridge
	// drain, plus a margin for the hard stop itself.
	minBudget := StopGracePeriod + RetireDrainTimeout + 2*time.Second
	if StopTimeout < minBudget {
		t.Errorf("StopTimeout (%v) must be >= StopGracePeriod + RetireDrainTimeout + 2s (%v)",
			StopTimeout, minBudget)
	}
}

func TestTimeoutsPositive(t *testing.T) {
	for name, d := range map[string]time.Duration{
		"StopGracePeriod":    StopGracePeriod,
		"RetireDrainTimeout": RetireDrainTimeout,
		"StopTimeout":        StopTimeout,
		"StartTimeout":       StartTimeout,
	} {
		if d <= 0 {
			t.Errorf("%s must be positive, got %v", name, d)
		}
	}
}

func TestBufferConstants(t *testing.T) {
	if SessionEventBuffer <= 0 {
		t.Errorf("SessionEventBuffer must be positive, got %d", SessionEventBuffer)
	}
}
