package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/pkg/config"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// TestConfig returns a configuration with timeouts short enough for unit tests
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.StartStopTimeout = 50 * time.Millisecond
	cfg.ScanFinishExtraTime = 50 * time.Millisecond
	cfg.DefaultConnectTimeout = 500 * time.Millisecond
	cfg.ConfirmConnectWindow = 50 * time.Millisecond
	cfg.DefaultResponseTimeout = 200 * time.Millisecond
	cfg.StopJoinTimeout = time.Second
	cfg.MaxConsecutiveErrors = 3
	cfg.QueueCapacity = 8
	return cfg
}

// Eventually polls cond until it holds or timeout elapses
func (h *TestHelper) Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}

func CreateGattTable() *GattTableBuilder {
	return NewGattTableBuilder()
}

func CreateGattTableFromJSON(jsonStrFmt string, args ...interface{}) *GattTableBuilder {
	return NewGattTableBuilder().FromJSON(jsonStrFmt, args...)
}
