package testutil

import "time"

// TestingT is the part of *testing.T the helpers need
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

// WaitFor polls condition every 5ms until it holds or timeout passes.
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...any) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		<-ticker.C
	}
}
