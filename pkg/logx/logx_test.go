package logx

import (
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-component")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}

	if logger.GetComponent() != "test-component" {
		t.Errorf("Expected component test-component, got %s", logger.GetComponent())
	}
}

func TestWithComponent(t *testing.T) {
	logger := NewLogger("first")
	derived := logger.WithComponent("second")

	if derived.GetComponent() != "second" {
		t.Errorf("Expected component second, got %s", derived.GetComponent())
	}

	if logger.GetComponent() != "first" {
		t.Error("Original logger component should be unchanged")
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	// Save and restore global debug config around the test.
	debugMutex.RLock()
	prevEnabled := debugConfig.Enabled
	prevDomains := debugConfig.Domains
	debugMutex.RUnlock()
	defer SetDebugConfig(prevEnabled, nil)
	defer func() {
		debugMutex.Lock()
		debugConfig.Domains = prevDomains
		debugMutex.Unlock()
	}()

	SetDebugConfig(false, nil)
	if IsDebugEnabledForDomain("convo") {
		t.Error("Expected debug disabled globally")
	}

	SetDebugConfig(true, nil)
	if !IsDebugEnabledForDomain("convo") {
		t.Error("Expected all domains enabled when no filter configured")
	}

	SetDebugConfig(true, []string{"instance", "dispatch"})
	if IsDebugEnabledForDomain("convo") {
		t.Error("Expected convo domain disabled by filter")
	}
	if !IsDebugEnabledForDomain("instance") {
		t.Error("Expected instance domain enabled by filter")
	}
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("something failed: %d", 42)
	if err == nil {
		t.Fatal("Expected non-nil error")
	}
	if err.Error() != "something failed: 42" {
		t.Errorf("Unexpected error text: %s", err.Error())
	}
}

func TestWrapNilError(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Expected nil when wrapping nil error, got %v", err)
	}
}
