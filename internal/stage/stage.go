// Package stage orchestrates one boot sequence end to end: it resolves
// the plan's storage volume, stages each image through the ELF engine,
// collects handoff entries, and runs the secondary-core release. Each
// stage gates the next; the first failure aborts the run.
package stage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/fsboot/internal/bootcfg"
	"github.com/tinyrange/fsboot/internal/elfimg"
	"github.com/tinyrange/fsboot/internal/handoff"
	"github.com/tinyrange/fsboot/internal/phys"
	"github.com/tinyrange/fsboot/internal/volume"
)

// Stager holds the collaborators a boot sequence runs against.
type Stager struct {
	// Volume overrides the plan's volume section when non-nil.
	Volume volume.Volume

	// Memory receives all staged bytes. Required.
	Memory phys.Memory

	// Regs backs the handoff when the plan enables it.
	Regs handoff.RegisterFile

	// Timer performs the settle wait before reset release. Nil uses the
	// host clock.
	Timer handoff.Timer

	// Logger receives diagnostics. Nil uses slog.Default().
	Logger *slog.Logger

	// Progress, when set, observes per-image copy progress.
	Progress func(image string, done, total uint64)
}

// ImageResult describes one staged image.
type ImageResult struct {
	Name     string
	Class    elfimg.Class
	Entry    uint64
	Segments int
}

// Result is the outcome of a completed run.
type Result struct {
	Images []ImageResult

	// Table is the handoff descriptor that was (or would be) handed to
	// the next stage; nil when no image participates in the handoff.
	Table *handoff.Table

	// Released reports whether the secondary cores were released.
	Released bool
}

func (s *Stager) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// openVolume resolves the plan's storage source. The returned closer is
// non-nil when the volume was opened here and must be released.
func (s *Stager) openVolume(plan *bootcfg.Plan) (volume.Volume, func() error, error) {
	if s.Volume != nil {
		return s.Volume, nil, nil
	}

	switch {
	case plan.Volume.Dir != "":
		v, err := volume.NewDirVolume(plan.Volume.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("mount volume: %w", err)
		}
		return v, nil, nil
	case plan.Volume.Ext4 != "":
		v, err := volume.OpenExt4(plan.Volume.Ext4, plan.Volume.PartitionOffset)
		if err != nil {
			return nil, nil, fmt.Errorf("mount volume: %w", err)
		}
		return v, v.Close, nil
	default:
		return nil, nil, errors.New("stage: plan names no volume and none was supplied")
	}
}

// Run executes the plan. On failure, bytes already placed stay in
// memory; the boot attempt is abandoned, not resumed.
func (s *Stager) Run(plan *bootcfg.Plan) (*Result, error) {
	if s.Memory == nil {
		return nil, errors.New("stage: no memory")
	}

	log := s.logger()

	allow := &phys.Allowlist{}
	for _, r := range plan.Memory.Ranges {
		if err := allow.Add(phys.Range{Name: r.Name, Base: r.Base, Size: r.Size}); err != nil {
			return nil, err
		}
	}

	vol, closeVol, err := s.openVolume(plan)
	if err != nil {
		return nil, err
	}
	if closeVol != nil {
		defer closeVol()
	}

	result := &Result{}
	var table *handoff.Table

	for _, imgCfg := range plan.Images {
		res, err := s.stageImage(vol, allow, imgCfg)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", imgCfg.File, err)
		}
		result.Images = append(result.Images, *res)

		if imgCfg.Handoff {
			if table == nil {
				table = &handoff.Table{}
			}
			if err := table.Append(handoff.Entry{EntryPoint: res.Entry, Flags: imgCfg.Flags}); err != nil {
				return nil, fmt.Errorf("stage %q: %w", imgCfg.File, err)
			}
		}
	}
	result.Table = table

	if plan.Handoff.Enabled {
		if s.Regs == nil {
			return nil, errors.New("stage: handoff enabled but no register file")
		}
		if plan.Handoff.DescriptorAddress != 0 {
			if err := allow.Check(plan.Handoff.DescriptorAddress, handoff.EncodedSize); err != nil {
				return nil, fmt.Errorf("handoff descriptor: %w", err)
			}
		}

		ctrl := &handoff.Controller{
			Regs:   s.Regs,
			Mem:    s.Memory,
			Timer:  s.Timer,
			Logger: log,
		}
		settle := time.Duration(plan.Handoff.SettleMs) * time.Millisecond
		if err := ctrl.Run(table, plan.Handoff.DescriptorAddress, settle); err != nil {
			return nil, err
		}
		result.Released = true
	}

	return result, nil
}

// stageImage opens, loads, and closes one image. The file and the
// program header table are released on every exit path.
func (s *Stager) stageImage(vol volume.Volume, allow *phys.Allowlist, cfg bootcfg.ImageConfig) (*ImageResult, error) {
	expect, err := cfg.ExpectClass()
	if err != nil {
		return nil, err
	}

	f, err := vol.Open(cfg.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s.logger().Info("staging image", "file", cfg.File, "size", f.Size())

	loader := &elfimg.Loader{
		Memory:      s.Memory,
		Allow:       allow,
		ExpectClass: expect,
		Logger:      s.logger(),
	}
	if s.Progress != nil {
		name := cfg.File
		loader.Progress = func(done, total uint64) {
			s.Progress(name, done, total)
		}
	}

	img, err := loader.Load(f)
	if err != nil {
		return nil, err
	}

	return &ImageResult{
		Name:     cfg.File,
		Class:    img.Header.Class,
		Entry:    img.Entry(),
		Segments: len(img.Placed),
	}, nil
}
