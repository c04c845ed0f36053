package sandbox

import "testing"

func TestApplyDoesNotPanic(t *testing.T) {
	Apply()
}
