/*
Package sconfig loads the engine's own startup configuration: the
operator-bounded constants spec.md leaves as policy (MDA slot size,
thin-pool low-water/extend-step percentages, network-unlock timeout)
rather than baking them in as code constants, matching the way the
teacher's cmd/warren/apply.go reads an operator-authored YAML file.

It also persists a small "last known pool set" breadcrumb file used
only to order discovery at startup (try the devices we last knew about
first); it is never the authoritative record — that's the BDA/MDA
protocol in pkg/mda — so losing or corrupting the breadcrumb is a
(logged) non-event, not a pkg/stratiserr failure.
*/
package sconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// Config holds the engine's tunable policy constants.
type Config struct {
	// AlignmentSectors is the minimum allocation unit. Defaults to
	// unit.AlignmentSectors (1 MiB) if zero.
	AlignmentSectors unit.Sector `yaml:"alignment_sectors"`

	// DefaultMDASlotSectors is the size of each of the two MDA slots
	// created for a newly initialized block device.
	DefaultMDASlotSectors unit.Sector `yaml:"default_mda_slot_sectors"`

	// ThinPoolLowWaterPercent is the free-space percentage below which
	// a thin-pool subdevice is considered low (triggers extend).
	ThinPoolLowWaterPercent float64 `yaml:"thinpool_low_water_percent"`

	// ThinPoolExtendStepPercent is how much (of current pool free
	// space) to grow a low subdevice by on each successful extend.
	ThinPoolExtendStepPercent float64 `yaml:"thinpool_extend_step_percent"`

	// NetworkUnlockTimeout bounds a single network-bound unlock
	// attempt before falling through to the next slot (spec.md §5).
	NetworkUnlockTimeout time.Duration `yaml:"network_unlock_timeout"`

	// ReconcileInterval is how often the discovery/thin-pool event
	// loops poll for conditions that aren't pushed as events.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// RunDir is the directory under which pkg/engine maintains
	// per-pool filesystem devnode symlinks (spec.md §6.3):
	// <RunDir>/<pool-name>/<filesystem-name>.
	RunDir string `yaml:"run_dir"`
}

// Default returns the engine's built-in defaults.
func Default() Config {
	return Config{
		AlignmentSectors:          unit.AlignmentSectors,
		DefaultMDASlotSectors:     unit.Sector(4096), // 2 MiB
		ThinPoolLowWaterPercent:   5.0,
		ThinPoolExtendStepPercent: 20.0,
		NetworkUnlockTimeout:      10 * time.Second,
		ReconcileInterval:         10 * time.Second,
		RunDir:                    "/run/stratisd",
	}
}

// Load reads a YAML configuration file, filling unset fields from
// Default(). A missing file is not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("sconfig: read %q: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Config{}, fmt.Errorf("sconfig: parse %q: %w", path, err)
	}

	if overlay.AlignmentSectors != 0 {
		cfg.AlignmentSectors = overlay.AlignmentSectors
	}
	if overlay.DefaultMDASlotSectors != 0 {
		cfg.DefaultMDASlotSectors = overlay.DefaultMDASlotSectors
	}
	if overlay.ThinPoolLowWaterPercent != 0 {
		cfg.ThinPoolLowWaterPercent = overlay.ThinPoolLowWaterPercent
	}
	if overlay.ThinPoolExtendStepPercent != 0 {
		cfg.ThinPoolExtendStepPercent = overlay.ThinPoolExtendStepPercent
	}
	if overlay.NetworkUnlockTimeout != 0 {
		cfg.NetworkUnlockTimeout = overlay.NetworkUnlockTimeout
	}
	if overlay.ReconcileInterval != 0 {
		cfg.ReconcileInterval = overlay.ReconcileInterval
	}
	if overlay.RunDir != "" {
		cfg.RunDir = overlay.RunDir
	}
	return cfg, nil
}

// WriteBreadcrumb atomically persists the set of device paths last
// known to belong to live pools, one per line, so a restart can try
// those paths before waiting on a full hotplug replay.
func WriteBreadcrumb(path string, devicePaths []string) error {
	content := strings.Join(devicePaths, "\n")
	if content != "" {
		content += "\n"
	}
	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return fmt.Errorf("sconfig: write breadcrumb %q: %w", path, err)
	}
	return nil
}

// ReadBreadcrumb reads back a breadcrumb file written by
// WriteBreadcrumb. A missing file yields an empty, non-error result.
func ReadBreadcrumb(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sconfig: read breadcrumb %q: %w", path, err)
	}
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}
