package recipe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sbtinstruments/wright/config"
	"github.com/sbtinstruments/wright/device"
	"github.com/sbtinstruments/wright/device/control"
	"github.com/sbtinstruments/wright/internal/progress"
)

// testSettings returns config defaults with a small retry count, so a test
// that exhausts retries doesn't sit through retryDelay * DefaultMaxTries.
func testSettings() config.Settings {
	cfg := config.Default()
	cfg.DefaultMaxTries = 3
	return cfg
}

// fakePower/fakeBootMode are minimal control.PowerControl/BootModeControl
// implementations recording their calls, enough to exercise
// internal/context's HardPowerOff without any real hardware.
type fakePower struct {
	mu    sync.Mutex
	state bool
	calls int
}

func (f *fakePower) GetState(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakePower) SetState(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = on
	f.calls++
	return nil
}

func (f *fakePower) Scoped(ctx context.Context, on bool) (func(context.Context) error, error) {
	if err := f.SetState(ctx, control.DefaultPowerState); err != nil {
		return nil, err
	}
	if err := f.SetState(ctx, on); err != nil {
		return nil, err
	}
	return func(releaseCtx context.Context) error { return f.SetState(releaseCtx, control.DefaultPowerState) }, nil
}

type fakeBootMode struct {
	mu   sync.Mutex
	mode control.BootMode
}

func (f *fakeBootMode) GetMode(ctx context.Context) (control.BootMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode, nil
}

func (f *fakeBootMode) SetMode(ctx context.Context, mode control.BootMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
	return nil
}

func (f *fakeBootMode) Scoped(ctx context.Context, mode control.BootMode) (func(context.Context) error, error) {
	if err := f.SetMode(ctx, control.DefaultBootMode); err != nil {
		return nil, err
	}
	if err := f.SetMode(ctx, mode); err != nil {
		return nil, err
	}
	return func(releaseCtx context.Context) error { return f.SetMode(releaseCtx, control.DefaultBootMode) }, nil
}

func newFakeDevice(t *testing.T, hostname string) *device.Device {
	t.Helper()
	link := device.DeviceLink{
		Control: device.DeviceControl{
			Power:    &fakePower{},
			BootMode: &fakeBootMode{},
		},
		Communication: device.DeviceCommunication{Hostname: hostname, TTYPath: "/dev/null"},
	}
	desc, err := device.NewDeviceDescription(device.BactoBox, "1.0.0", link)
	if err != nil {
		t.Fatalf("NewDeviceDescription: %v", err)
	}
	return device.New(desc, device.DeviceMetadata{Condition: device.Mint})
}

func newTestEngine() (*Engine, *progress.StatusMap, *progress.Broadcaster) {
	cfg := testSettings()
	statuses := progress.NewStatusMap()
	bus := progress.NewBroadcaster()
	return NewEngine(cfg, statuses, bus), statuses, bus
}

// withSession must call HardPowerOff exactly once, after fn returns,
// regardless of fn's outcome, and must surface fn's error unchanged.
func TestEngineWithSessionCleanupGuarantee(t *testing.T) {
	e, _, _ := newTestEngine()
	dev := newFakeDevice(t, "bb2501001")

	wantErr := errFixture("boom")
	err := e.withSession(context.Background(), dev, func(ctx context.Context) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("withSession error = %v, want %v", err, wantErr)
	}

	power := dev.Description.Link.Control.Power.(*fakePower)
	power.mu.Lock()
	defer power.mu.Unlock()
	if power.state != false {
		t.Errorf("power state after session = %v, want off", power.state)
	}
	if power.calls == 0 {
		t.Errorf("expected HardPowerOff to call SetState at least once")
	}
}

func TestEngineWithSessionCleanupRunsOnCancellation(t *testing.T) {
	e, _, _ := newTestEngine()
	dev := newFakeDevice(t, "bb2501002")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.withSession(ctx, dev, func(sessionCtx context.Context) error {
		<-sessionCtx.Done()
		return sessionCtx.Err()
	})
	if err != context.Canceled {
		t.Fatalf("withSession error = %v, want context.Canceled", err)
	}

	power := dev.Description.Link.Control.Power.(*fakePower)
	power.mu.Lock()
	defer power.mu.Unlock()
	if power.calls == 0 {
		t.Errorf("expected HardPowerOff to still run after cancellation")
	}
}

// run must coalesce two overlapping calls for the same device+phase into a
// single underlying execution.
func TestEngineRunCoalescesOverlappingCalls(t *testing.T) {
	e, _, _ := newTestEngine()
	dev := newFakeDevice(t, "bb2501003")

	var executions int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	body := func(stepCtx context.Context) (interface{}, error) {
		atomic.AddInt32(&executions, 1)
		started <- struct{}{}
		<-release
		return "done", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.run(context.Background(), dev, "reset_firmware", time.Minute, body)
		}()
	}

	<-started
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Errorf("executions = %d, want 1 (calls should coalesce)", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("call %d: err = %v", i, errs[i])
		}
		if results[i] != "done" {
			t.Errorf("call %d: result = %v, want %q", i, results[i], "done")
		}
	}
}

// run must retry a failing step up to DefaultMaxTries and publish a
// terminal Failed status with that many tries recorded.
func TestEngineRunExhaustsRetriesAndPublishesFailed(t *testing.T) {
	cfg := testSettings()
	statuses := progress.NewStatusMap()
	bus := progress.NewBroadcaster()
	e := NewEngine(cfg, statuses, bus)
	dev := newFakeDevice(t, "bb2501004")

	var tries int
	wantErr := errFixture("always fails")
	_, err := e.run(context.Background(), dev, NameResetData, time.Minute, func(stepCtx context.Context) (interface{}, error) {
		tries++
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("run error = %v, want %v", err, wantErr)
	}
	if tries != 3 {
		t.Fatalf("tries = %d, want 3", tries)
	}

	status, ok := statuses.Get(NameResetData)
	if !ok {
		t.Fatalf("no status recorded for %s", NameResetData)
	}
	failed, ok := status.(progress.Failed)
	if !ok {
		t.Fatalf("status = %T, want progress.Failed", status)
	}
	if failed.Tries != 3 {
		t.Errorf("Failed.Tries = %d, want 3", failed.Tries)
	}
}

func TestDeviceKey(t *testing.T) {
	dev := newFakeDevice(t, "bb2501099")
	if got := deviceKey(dev); got != "bb2501099" {
		t.Errorf("deviceKey = %q, want %q", got, "bb2501099")
	}
}

type errFixture string

func (e errFixture) Error() string { return string(e) }
