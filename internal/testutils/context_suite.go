package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/pkg/config"
	"github.com/stretchr/testify/suite"
)

// MockGatewaySuite provides a reusable test suite around a MockGateway.
//
// Basic usage:
//
//	type ConnectSuite struct {
//	    testutils.MockGatewaySuite
//	}
//
//	func (s *ConnectSuite) SetupTest() {
//	    s.MockGatewaySuite.SetupTest()
//	    testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
//	        Return(gateway.OK(gateway.KindConnect, nil), nil)
//	}
//
// A fresh gateway and configuration are created before each test.
type MockGatewaySuite struct {
	suite.Suite

	// Core test utilities
	Helper *TestHelper    // Test helper with logging and assertions
	Logger *logrus.Logger // Structured logger for test output

	Gateway     *MockGateway   // Gateway the context under test talks to
	Config      *config.Config // Configuration with short timeouts
	TestTimeout time.Duration  // Upper bound for waits in tests
}

// SetupSuite initializes the test suite.
// Called once before all tests in the suite.
func (s *MockGatewaySuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second

	s.Logger.Debug("Suite setup completed")
}

// SetupTest creates a fresh mock gateway before each test.
func (s *MockGatewaySuite) SetupTest() {
	s.Gateway = NewMockGateway()
	s.Config = TestConfig()
}

// TearDownTest verifies every required gateway expectation was met.
func (s *MockGatewaySuite) TearDownTest() {
	if s.Gateway != nil {
		s.Gateway.AssertExpectations(s.T())
	}
}

// WaitFor polls cond for up to TestTimeout and fails the test if it never holds
func (s *MockGatewaySuite) WaitFor(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().True(s.Helper.Eventually(cond, s.TestTimeout), msgAndArgs...)
}
