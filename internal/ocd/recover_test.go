package ocd

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestPowerCycleHubMissingBinaryReturnsWrappedError(t *testing.T) {
	if _, err := exec.LookPath("uhubctl"); err == nil {
		t.Skip("uhubctl present on PATH, not exercising the missing-binary path")
	}
	err := PowerCycleHub(context.Background(), "FT1234")
	if err == nil {
		t.Fatalf("expected an error when uhubctl is not installed")
	}
	if !strings.Contains(err.Error(), "power-cycle hub for probe FT1234") {
		t.Fatalf("error %q is not wrapped with the probe context", err)
	}
}
