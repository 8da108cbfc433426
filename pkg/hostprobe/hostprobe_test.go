package hostprobe

import (
	"os"
	"testing"
)

func TestCPUCountPositive(t *testing.T) {
	if CPUCount() <= 0 {
		t.Fatalf("expected a positive CPU count, got %d", CPUCount())
	}
}

func TestCPUTimesFieldsNonNegative(t *testing.T) {
	uptime, idle, err := CPUTimes()
	if err != nil {
		t.Skipf("no /proc/uptime on this host: %v", err)
	}
	if uptime <= 0 {
		t.Errorf("expected positive uptime, got %f", uptime)
	}
	if idle < 0 {
		t.Errorf("expected non-negative idle, got %f", idle)
	}
}

func TestAppArmorEnabledMissingFileIsFalse(t *testing.T) {
	// On hosts without AppArmor (most CI runners) this must be false, not
	// an error, since the function has no error return.
	_, err := os.Stat("/sys/module/apparmor/parameters/enabled")
	if os.IsNotExist(err) && AppArmorEnabled() {
		t.Error("AppArmorEnabled() = true with no apparmor parameters file, want false")
	}
}

func TestUTCTimeIsEpochSeconds(t *testing.T) {
	now := UTCTime()
	if now < 1700000000 {
		t.Errorf("UTCTime looks wrong: %d", now)
	}
}
