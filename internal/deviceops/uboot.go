// Package deviceops implements the device-operation verb set (spec C8):
// flash/MMC programming and boot control over an entered U-boot execution
// context, and service/filesystem/electronics-test control over an entered
// Linux execution context. Every operation degrades the owning device's
// DeviceCondition by its declared wear bound, applied uniformly by
// withWear rather than ad-hoc at each call site.
//
// Grounded on mantle/platform/util.go's Manhole/SSH command dispatch
// (compose a verb out of a fixed command template, run it, check the
// result), generalized to U-boot's env/flash/mmc verb set.
package deviceops

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/config"
	"github.com/sbtinstruments/wright/device"
	wcontext "github.com/sbtinstruments/wright/internal/context"
	"github.com/sbtinstruments/wright/internal/serialcli"
	"github.com/sbtinstruments/wright/internal/workdir"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "deviceops")

const (
	// defaultScratchAddr is the RAM staging address used by every
	// CopyToMemory call that doesn't target a named U-boot env address.
	defaultScratchAddr = "0x6000000"

	// flashSize is the full erase span: 16 MiB.
	flashSize = "0x1000000"

	// flashChunkSize is the unit the sparse-file splitter reads and tests
	// for all-zero-ness.
	flashChunkSize = 1 << 20

	gptLayout = "name=system0,size=150MiB;name=system1,size=150MiB;name=config,size=100MiB;name=data,size=0"
)

// withWear runs fn then degrades dev's condition to bound, regardless of
// whether fn succeeded — a failed mutating command may already have left
// physical wear (spec §4.8, §9 "Dynamic operation dispatch").
func withWear(dev *device.Device, bound device.DeviceCondition, fn func() error) error {
	err := fn()
	dev.Degrade(bound)
	return err
}

// Uboot wraps an entered U-boot execution context with the device-operation
// verb set. One instance per entered context, mirroring the context's own
// lifetime; its probe-once guard is scoped the same way
// internal/context/uboot.go's network-once guard is, since within one
// session these commands are only ever issued sequentially (spec §5
// "Ordering").
type Uboot struct {
	ctx *wcontext.UbootContext
	cfg config.Settings

	probeOnce sync.Once
	probeErr  error
}

// NewUboot wraps an already-entered U-boot context.
func NewUboot(cfg config.Settings, ctx *wcontext.UbootContext) *Uboot {
	return &Uboot{ctx: ctx, cfg: cfg}
}

func (d *Uboot) probe(ctx context.Context) error {
	d.probeOnce.Do(func() {
		_, d.probeErr = d.ctx.Run(ctx, "sf probe", serialcli.DefaultRunOptions())
	})
	return d.probeErr
}

// EraseFlash probes (once) then erases the full flash region.
func (d *Uboot) EraseFlash(ctx context.Context) error {
	return withWear(d.ctx.Device(), device.Used, func() error {
		if err := d.probe(ctx); err != nil {
			return errors.Wrap(err, "deviceops: sf probe")
		}
		_, err := d.ctx.Run(ctx, fmt.Sprintf("sf erase 0 %s", flashSize), serialcli.DefaultRunOptions())
		return errors.Wrap(err, "deviceops: sf erase")
	})
}

// WriteImageToFlash splits file into its non-sparse runs and writes each
// one to flash at its original offset, exploiting a highly sparse firmware
// image to cut transfer time (spec §4.8 "File split for flash writes").
func (d *Uboot) WriteImageToFlash(ctx context.Context, file string) error {
	return withWear(d.ctx.Device(), device.Used, func() error {
		if err := d.probe(ctx); err != nil {
			return errors.Wrap(err, "deviceops: sf probe")
		}

		// Parts are staged inside the TFTP server's root (<WorkDir>/tftp, see
		// internal/context's UbootContext.openSerial) and fetched by their
		// path relative to that root.
		partsDir, err := workdir.Sub(d.cfg.WorkDir, "tftp", "flash-parts")
		if err != nil {
			return err
		}
		parts, err := splitSparseFile(file, partsDir)
		if err != nil {
			return errors.Wrap(err, "deviceops: split flash image")
		}

		for _, p := range parts {
			name := filepath.Join("flash-parts", filepath.Base(p.Path))
			if err := d.ctx.CopyToMemory(ctx, defaultScratchAddr, name); err != nil {
				return err
			}
			cmd := fmt.Sprintf("sf write %s 0x%x 0x%x", defaultScratchAddr, p.Offset, p.Length)
			if _, err := d.ctx.Run(ctx, cmd, serialcli.DefaultRunOptions()); err != nil {
				return errors.Wrapf(err, "deviceops: sf write (offset 0x%x)", p.Offset)
			}
		}
		return nil
	})
}

// PartitionMmc writes the fixed GPT layout and self-closes the context,
// since U-boot never rescans a partition table it just wrote.
func (d *Uboot) PartitionMmc(ctx context.Context) error {
	return withWear(d.ctx.Device(), device.Used, func() error {
		cmd := fmt.Sprintf("gpt write mmc 0 %q", gptLayout)
		if _, err := d.ctx.Run(ctx, cmd, serialcli.DefaultRunOptions()); err != nil {
			return errors.Wrap(err, "deviceops: gpt write")
		}
		return d.ctx.SelfClose(ctx)
	})
}

// MmcPartition names one target region of a WriteImageToMmc call, in the
// offset/length units U-boot's own `mmc write` verb takes (block counts,
// conventionally written as hex literals).
type MmcPartition struct {
	Name   string
	Offset string
	Length string
}

// WriteImageToMmc copies file into memory once, then issues one `mmc
// write` per partition from that single staged copy.
func (d *Uboot) WriteImageToMmc(ctx context.Context, file string, partitions ...MmcPartition) error {
	return withWear(d.ctx.Device(), device.Used, func() error {
		if err := d.ctx.CopyToMemory(ctx, defaultScratchAddr, file); err != nil {
			return err
		}
		for _, p := range partitions {
			cmd := fmt.Sprintf("mmc write %s %s %s", defaultScratchAddr, p.Offset, p.Length)
			if _, err := d.ctx.Run(ctx, cmd, serialcli.DefaultRunOptions()); err != nil {
				return errors.Wrapf(err, "deviceops: mmc write %s", p.Name)
			}
		}
		return nil
	})
}

// CopyToMemory stages file at addr over TFTP, an observing operation since
// it never touches persistent storage.
func (d *Uboot) CopyToMemory(ctx context.Context, addr, file string) error {
	return withWear(d.ctx.Device(), device.AsNew, func() error {
		return d.ctx.CopyToMemory(ctx, addr, file)
	})
}

// SetBootArgs sets the bootargs env var from kv, keys sorted for a
// deterministic wire command.
func (d *Uboot) SetBootArgs(ctx context.Context, kv map[string]string) error {
	return withWear(d.ctx.Device(), device.AsNew, func() error {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%s", k, kv[k])
		}
		_, err := d.ctx.Run(ctx, "setenv bootargs "+b.String(), serialcli.DefaultRunOptions())
		return errors.Wrap(err, "deviceops: setenv bootargs")
	})
}

// BootToDeviceOS forwards to the context's own command sequence (kept
// there to avoid an internal/context <-> internal/deviceops import cycle,
// see DESIGN.md), adding the condition-degradation this layer owns.
func (d *Uboot) BootToDeviceOS(ctx context.Context) error {
	return withWear(d.ctx.Device(), device.AsNew, func() error {
		return d.ctx.BootToDeviceOS(ctx)
	})
}

// BootToWrightLiveLinux forwards to the context's own command sequence,
// adding the condition-degradation this layer owns.
func (d *Uboot) BootToWrightLiveLinux(ctx context.Context, kernelFile, rootfsFile string) error {
	return withWear(d.ctx.Device(), device.AsNew, func() error {
		return d.ctx.BootToWrightLiveLinux(ctx, kernelFile, rootfsFile)
	})
}

// FlashPart is one non-sparse run of a split firmware image: the file it
// was written to and the byte offset it belongs at in the original image.
type FlashPart struct {
	Path   string
	Offset int64
	Length int64
}

// splitSparseFile reads src in flashChunkSize chunks; any chunk that is
// entirely zero bytes is a separator, and consecutive non-zero chunks are
// concatenated into one part file named "<base>__offset_<offset>.bin"
// under workDir. An all-zero file produces an empty part list.
func splitSparseFile(src, workDir string) ([]FlashPart, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, errors.Wrapf(err, "deviceops: open %s", src)
	}
	defer f.Close()

	base := filepath.Base(src)
	buf := make([]byte, flashChunkSize)

	var (
		parts  []FlashPart
		cur    *os.File
		offset int64
		curOff int64
		curLen int64
	)

	flush := func() error {
		if cur == nil {
			return nil
		}
		if err := cur.Close(); err != nil {
			return err
		}
		parts = append(parts, FlashPart{Path: cur.Name(), Offset: curOff, Length: curLen})
		cur = nil
		curLen = 0
		return nil
	}

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if isAllZero(chunk) {
				if err := flush(); err != nil {
					return nil, err
				}
			} else {
				if cur == nil {
					curOff = offset
					path := filepath.Join(workDir, fmt.Sprintf("%s__offset_%d.bin", base, curOff))
					cf, err := os.Create(path)
					if err != nil {
						return nil, errors.Wrapf(err, "deviceops: create part %s", path)
					}
					cur = cf
				}
				if _, err := cur.Write(chunk); err != nil {
					return nil, errors.Wrap(err, "deviceops: write part")
				}
				curLen += int64(n)
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.Wrapf(readErr, "deviceops: read %s", src)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return parts, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
