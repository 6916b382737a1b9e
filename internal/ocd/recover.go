package ocd

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/internal/procrunner"
)

// PowerCycleHub power-cycles the USB hub port the JTAG probe identified by
// usbSerial is attached to, by shelling out to uhubctl (spec §4.4's OCD
// recovery path: a failed server start triggers exactly one hub cycle and
// one retry before the error is surfaced).
func PowerCycleHub(ctx context.Context, usbSerial string) error {
	_, err := procrunner.Run(ctx, procrunner.Options{CheckRC: true},
		"uhubctl", "--action", "cycle", "--search", usbSerial)
	if err != nil {
		return errors.Wrapf(err, "ocd: power-cycle hub for probe %s", usbSerial)
	}
	return nil
}
