package deviceops

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/device"
	wcontext "github.com/sbtinstruments/wright/internal/context"
	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

// servicesStopOrder is the fixed shutdown sequence ResetData runs before
// reformatting /media/data (spec §8 scenario 2). The dash-prefixed guard on
// S50nginx matches a unit that is only sometimes installed.
var servicesStopOrder = []string{
	"/etc/init.d/S99monit stop",
	"/etc/init.d/S97dash stop",
	"/etc/init.d/S96staten stop",
	"/etc/init.d/S95mester stop",
	"/etc/init.d/S94baxter stop",
	"/etc/init.d/S93maskin stop",
	"/etc/init.d/S92cellmate stop",
	"/etc/init.d/S91frog stop",
	"/etc/init.d/S82telegraf stop",
	"/etc/init.d/S81influxdb stop",
	"/etc/init.d/S70swupdate stop",
	"/etc/init.d/S60crond stop",
	"[ -f /etc/init.d/S50nginx ] && /etc/init.d/S50nginx stop",
	"/etc/init.d/S01rsyslogd stop",
}

// Linux wraps an entered Linux execution context with the device-operation
// verb set.
type Linux struct {
	ctx *wcontext.LinuxContext
}

// NewLinux wraps an already-entered Linux context.
func NewLinux(ctx *wcontext.LinuxContext) *Linux {
	return &Linux{ctx: ctx}
}

// ResetData stops every data-consuming service in a fixed order, unmounts
// /media/data (ignoring its exit code, since it may already be unmounted),
// and reformats it ext4.
func (l *Linux) ResetData(ctx context.Context) error {
	return withWear(l.ctx.Device(), device.Used, func() error {
		for _, cmd := range servicesStopOrder {
			if _, err := l.ctx.Run(ctx, cmd); err != nil {
				return errors.Wrapf(err, "deviceops: stop service (%s)", cmd)
			}
		}
		if _, err := l.ctx.Run(ctx, "umount /media/data"); err != nil {
			plog.Debugf("umount /media/data: %v (ignored)", err)
		}
		if _, err := l.ctx.Run(ctx, "yes | mkfs.ext4 -L data /dev/mmcblk0p4"); err != nil {
			return errors.Wrap(err, "deviceops: mkfs.ext4 /dev/mmcblk0p4")
		}
		return nil
	})
}

// GetVersions parses /etc/sw-versions into a map, skipping any line that
// does not split into exactly two whitespace-separated fields.
func (l *Linux) GetVersions(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := withWear(l.ctx.Device(), device.AsNew, func() error {
		text, err := l.ctx.Run(ctx, "cat /etc/sw-versions")
		if err != nil {
			return errors.Wrap(err, "deviceops: read sw-versions")
		}
		out = make(map[string]string)
		scanner := bufio.NewScanner(strings.NewReader(text))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) != 2 {
				continue
			}
			out[fields[0]] = fields[1]
		}
		return nil
	})
	return out, err
}

// GetDate reads the device's clock as a UTC time.Time.
func (l *Linux) GetDate(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := withWear(l.ctx.Device(), device.AsNew, func() error {
		out, err := l.ctx.Run(ctx, "date +%s")
		if err != nil {
			return errors.Wrap(err, "deviceops: read date")
		}
		sec, convErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
		if convErr != nil {
			return &wrighterrors.ValidationError{Detail: "non-numeric date +%s output: " + out}
		}
		t = time.Unix(sec, 0).UTC()
		return nil
	})
	return t, err
}

// processListSnippet serializes every running process's name and cmdline
// as JSON, run over the device's own Python rather than locally.
const processListSnippet = `python3 -c "import json,psutil; print(json.dumps({p.pid: {'name': p.name(), 'cmdline': p.cmdline()} for p in psutil.process_iter(['name','cmdline'])}))"`

// ProcessInfo is one entry of GetProcesses' result.
type ProcessInfo struct {
	Name    string   `json:"name"`
	Cmdline []string `json:"cmdline"`
}

// GetProcesses lists every process running on the device.
func (l *Linux) GetProcesses(ctx context.Context) (map[int]ProcessInfo, error) {
	var out map[int]ProcessInfo
	err := withWear(l.ctx.Device(), device.AsNew, func() error {
		raw, err := l.ctx.Run(ctx, processListSnippet)
		if err != nil {
			return errors.Wrap(err, "deviceops: list processes")
		}
		var byStr map[string]ProcessInfo
		if err := json.Unmarshal([]byte(raw), &byStr); err != nil {
			return errors.Wrap(err, "deviceops: parse process list")
		}
		out = make(map[int]ProcessInfo, len(byStr))
		for k, v := range byStr {
			pid, convErr := strconv.Atoi(k)
			if convErr != nil {
				return &wrighterrors.ValidationError{Detail: "non-numeric pid in process list: " + k}
			}
			out[pid] = v
		}
		return nil
	})
	return out, err
}

// Hostname reads back the booted OS's own hostname, used to cross-check it
// against DeviceDescription.Link.Communication.Hostname (spec "Supplemental
// device operations").
func (l *Linux) Hostname(ctx context.Context) (string, error) {
	var out string
	err := withWear(l.ctx.Device(), device.AsNew, func() error {
		h, err := l.ctx.Run(ctx, "hostname")
		if err != nil {
			return errors.Wrap(err, "deviceops: read hostname")
		}
		out = strings.TrimSpace(h)
		return nil
	})
	return out, err
}

// MmcPartitionInfo is one entry of QueryMmcLayout's result.
type MmcPartitionInfo struct {
	Name        string
	StartSector int64
	SizeSectors int64
}

// QueryMmcLayout reads back the live GPT table, used by tests to assert
// PartitionMmc produced the expected layout without hard-coding sector math
// in the test itself (spec "Supplemental device operations").
func (l *Linux) QueryMmcLayout(ctx context.Context) ([]MmcPartitionInfo, error) {
	var out []MmcPartitionInfo
	err := withWear(l.ctx.Device(), device.AsNew, func() error {
		text, err := l.ctx.Run(ctx, "sfdisk -d /dev/mmcblk0")
		if err != nil {
			return errors.Wrap(err, "deviceops: read mmc layout")
		}
		out, err = parseSfdiskDump(text)
		return err
	})
	return out, err
}

// parseSfdiskDump parses `sfdisk -d` output lines of the form
// "/dev/mmcblk0p1 : start=2048, size=307200, ...".
func parseSfdiskDump(text string) ([]MmcPartitionInfo, error) {
	var out []MmcPartitionInfo
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		devPart, rest, ok := strings.Cut(line, " : ")
		if !ok || !strings.HasPrefix(strings.TrimSpace(devPart), "/dev/") {
			continue
		}
		info := MmcPartitionInfo{Name: strings.TrimSpace(devPart)}
		for _, field := range strings.Split(rest, ",") {
			field = strings.TrimSpace(field)
			k, v, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			switch k {
			case "start":
				info.StartSector, _ = strconv.ParseInt(v, 10, 64)
			case "size":
				info.SizeSectors, _ = strconv.ParseInt(v, 10, 64)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// BbpState is the electronics-test runner's status enum.
type BbpState string

const (
	BbpIdle      BbpState = "Idle"
	BbpRunning   BbpState = "Running"
	BbpCompleted BbpState = "Completed"
	BbpFailed    BbpState = "Failed"
	BbpCancelled BbpState = "Cancelled"
)

type bbpStatusResponse struct {
	State BbpState `json:"state"`
}

// FrequencySweep is the parsed electrical reference captured by a completed
// BBP program: parallel (frequency, site0, site1) vectors, all equal length.
type FrequencySweep struct {
	Version     string    `json:"version"`
	Frequencies []float64 `json:"frequencies"`
	Site0       []float64 `json:"site0"`
	Site1       []float64 `json:"site1"`
}

const (
	bbpBaseURL       = "http://localhost:8082"
	bbpProgramName   = "electronics_reference.bbp"
	bbpReferencePath = "/media/config/individual/etc/electrical_test_reference.json"
	bbpPollInterval  = 2 * time.Second
)

// SetElectronicsReference launches the electronics self-test program over
// an SSH-tunnelled HTTP connection to the device's own loopback-bound task
// runner, polls it to completion, and parses the resulting reference sweep
// (spec §4.8).
func (l *Linux) SetElectronicsReference(ctx context.Context) (*FrequencySweep, error) {
	var sweep *FrequencySweep
	err := withWear(l.ctx.Device(), device.Used, func() error {
		sshClient := l.ctx.SSH()
		if sshClient == nil {
			return errors.New("deviceops: set electronics reference requires an ssh-backed linux context")
		}

		client := &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return sshClient.DialTCP(ctx, addr)
				},
			},
		}

		if err := bbpDeleteExisting(ctx, client); err != nil {
			return err
		}
		if err := bbpStartProgram(ctx, client); err != nil {
			return err
		}
		if err := bbpPollUntilDone(ctx, client); err != nil {
			return err
		}

		raw, err := l.ctx.Run(ctx, "cat "+bbpReferencePath)
		if err != nil {
			return errors.Wrap(err, "deviceops: read electrical reference")
		}
		var fs FrequencySweep
		if err := json.Unmarshal([]byte(raw), &fs); err != nil {
			return errors.Wrap(err, "deviceops: parse electrical reference")
		}
		if len(fs.Frequencies) != len(fs.Site0) || len(fs.Frequencies) != len(fs.Site1) {
			return &wrighterrors.ValidationError{Detail: "electrical reference vectors have mismatched lengths"}
		}
		sweep = &fs
		return nil
	})
	return sweep, err
}

func bbpDeleteExisting(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, bbpBaseURL+"/tasks/program", nil)
	if err != nil {
		return errors.Wrap(err, "deviceops: build bbp delete request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "deviceops: bbp delete")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return errors.Errorf("deviceops: bbp delete returned %d", resp.StatusCode)
	}
	return nil
}

func bbpStartProgram(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, bbpBaseURL+"/tasks/program", strings.NewReader(bbpProgramName))
	if err != nil {
		return errors.Wrap(err, "deviceops: build bbp put request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "deviceops: bbp put")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("deviceops: bbp put returned %d", resp.StatusCode)
	}
	return nil
}

func bbpPollUntilDone(ctx context.Context, client *http.Client) error {
	for {
		status, err := bbpPollOnce(ctx, client)
		if err != nil {
			return err
		}
		switch status.State {
		case BbpCompleted:
			return nil
		case BbpFailed, BbpCancelled:
			return &wrighterrors.ProgramFailed{State: string(status.State)}
		}

		timer := time.NewTimer(bbpPollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func bbpPollOnce(ctx context.Context, client *http.Client) (*bbpStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bbpBaseURL+"/tasks/program", nil)
	if err != nil {
		return nil, errors.Wrap(err, "deviceops: build bbp get request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "deviceops: bbp get")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("deviceops: bbp get returned %d", resp.StatusCode)
	}
	var status bbpStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, errors.Wrap(err, "deviceops: decode bbp status")
	}
	return &status, nil
}
