// Package bootcfg loads the boot plan: which images to stage, in what
// order, into which memory ranges, and how the secondary cores are
// handed off afterwards. Image names live in the plan, not on the
// command line.
package bootcfg

import (
	"fmt"
	"os"

	"github.com/tinyrange/fsboot/internal/elfimg"
	"gopkg.in/yaml.v3"
)

// DefaultSettleMs is applied before reset release when the plan enables
// the handoff without naming a delay.
const DefaultSettleMs = 100

// Plan describes one boot sequence.
type Plan struct {
	Version int `yaml:"version"`

	Volume  VolumeConfig  `yaml:"volume"`
	Memory  MemoryConfig  `yaml:"memory"`
	Images  []ImageConfig `yaml:"images"`
	Handoff HandoffConfig `yaml:"handoff,omitempty"`
}

// VolumeConfig selects the storage source. Exactly one of Dir or Ext4
// may be set; leaving both empty means the caller supplies a volume
// directly.
type VolumeConfig struct {
	Dir string `yaml:"dir,omitempty"`

	Ext4            string `yaml:"ext4,omitempty"`
	PartitionOffset int64  `yaml:"partitionOffset,omitempty"`
}

// MemoryConfig lists the physical ranges images are allowed to load
// into.
type MemoryConfig struct {
	Ranges []RangeConfig `yaml:"ranges"`
}

// RangeConfig is one allowlisted physical range.
type RangeConfig struct {
	Name string `yaml:"name,omitempty"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// ImageConfig names one image to stage, in plan order.
type ImageConfig struct {
	File string `yaml:"file"`

	// Class pins the expected width: "elf32", "elf64", or empty for
	// either.
	Class string `yaml:"class,omitempty"`

	// Flags is recorded verbatim in the handoff descriptor entry.
	Flags uint32 `yaml:"flags,omitempty"`

	// Handoff marks the image as a partition the next stage must be told
	// about.
	Handoff bool `yaml:"handoff,omitempty"`
}

// ExpectClass maps the Class field onto the loader's class pin.
func (c ImageConfig) ExpectClass() (elfimg.Class, error) {
	switch c.Class {
	case "":
		return elfimg.ClassNone, nil
	case "elf32":
		return elfimg.Class32, nil
	case "elf64":
		return elfimg.Class64, nil
	default:
		return elfimg.ClassNone, fmt.Errorf("image %q: unknown class %q", c.File, c.Class)
	}
}

// HandoffConfig controls the secondary-core release after staging.
type HandoffConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// DescriptorAddress is where the encoded descriptor is placed; it
	// must lie inside an allowlisted range. Zero skips publication.
	DescriptorAddress uint64 `yaml:"descriptorAddress,omitempty"`

	// SettleMs is the wait before reset release.
	SettleMs int `yaml:"settleMs,omitempty"`
}

func (p *Plan) normalize() {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Handoff.Enabled && p.Handoff.SettleMs == 0 {
		p.Handoff.SettleMs = DefaultSettleMs
	}
}

// Validate checks the plan for the mistakes a staging run cannot recover
// from; errors name the offending field.
func (p *Plan) Validate() error {
	if p.Volume.Dir != "" && p.Volume.Ext4 != "" {
		return fmt.Errorf("volume: dir and ext4 are mutually exclusive")
	}
	if p.Volume.PartitionOffset != 0 && p.Volume.Ext4 == "" {
		return fmt.Errorf("volume: partitionOffset without ext4 image")
	}
	if p.Volume.PartitionOffset < 0 {
		return fmt.Errorf("volume: negative partitionOffset %d", p.Volume.PartitionOffset)
	}

	if len(p.Images) == 0 {
		return fmt.Errorf("images: at least one image is required")
	}
	for i, img := range p.Images {
		if img.File == "" {
			return fmt.Errorf("images[%d]: missing file", i)
		}
		if _, err := img.ExpectClass(); err != nil {
			return fmt.Errorf("images[%d]: %w", i, err)
		}
	}

	if len(p.Memory.Ranges) == 0 {
		return fmt.Errorf("memory: at least one range is required")
	}
	for i, r := range p.Memory.Ranges {
		if r.Size == 0 {
			return fmt.Errorf("memory.ranges[%d]: zero size", i)
		}
		if r.Base+r.Size < r.Base {
			return fmt.Errorf("memory.ranges[%d]: range wraps the address space", i)
		}
	}

	if p.Handoff.Enabled {
		any := false
		for _, img := range p.Images {
			if img.Handoff {
				any = true
				break
			}
		}
		if !any {
			return fmt.Errorf("handoff: enabled but no image has handoff: true")
		}
	}

	return nil
}

// Parse unmarshals and validates a plan.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse boot plan: %w", err)
	}
	plan.normalize()
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid boot plan: %w", err)
	}
	return &plan, nil
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boot plan: %w", err)
	}
	return Parse(data)
}
