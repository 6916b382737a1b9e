package control

import (
	"context"
	"testing"
)

// On a non-target test host there is no GPIO pin named this, so resolve()
// always fails the same deterministic way — the production-host fallback
// this type exists to guard against (see the doc comment on GPIOBootMode).
func TestGPIOBootModeUnresolvablePinReturnsError(t *testing.T) {
	g := &GPIOBootMode{PinName: "GPIO_DOES_NOT_EXIST"}

	if _, err := g.GetMode(context.Background()); err == nil {
		t.Fatalf("expected an error resolving a nonexistent pin")
	}
	if err := g.SetMode(context.Background(), Jtag); err == nil {
		t.Fatalf("expected an error resolving a nonexistent pin")
	}
}
