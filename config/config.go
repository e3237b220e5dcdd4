// Package config loads the storage core's tunables (page size, buffer pool
// sizing, extent size, log volume sizing, I/O mode) through viper, the way
// novasql's cmd layer wires spf13/viper for its own server configuration.
// The storage core requires no environment variables (spec.md §6 "no
// environment variables required by the core") — config is always
// threaded in explicitly by the caller (cosmosctl or an embedding program),
// never read from the process environment. The only variable read
// anywhere is package logging's optional COSMOS_LOG_JSON output switch.
package config

import (
	"bytes"

	"github.com/spf13/viper"
)

// Config holds the tunables for a mounted volume set and buffer pool.
type Config struct {
	// PageBits is log2(page size), matching the teacher's BufMgr.pageBits
	// convention. No storage package reads it: the page size in use is the
	// constant rdsm.PageSize.
	PageBits uint8 `mapstructure:"page_bits"`
	// TrainSize is the number of pages per train (spec.md §3); must be 1
	// for single-page trains or the configured train size.
	TrainSize uint32 `mapstructure:"train_size"`
	// ExtentSize is pages per extent for newly formatted volumes.
	ExtentSize uint32 `mapstructure:"extent_size"`
	// BufferPoolFrames is the number of frames in the buffer pool.
	BufferPoolFrames uint `mapstructure:"buffer_pool_frames"`
	// FillFactor caps per-extent occupancy during allocation (spec.md §9
	// Open Question (i); left pluggable, defaulting to best-effort: any
	// value in (0,1] is honored as a soft cap, not a hard guarantee).
	FillFactor float64 `mapstructure:"fill_factor"`
	// IOMode selects the rdsm.Device backing new volumes: "file", "mem",
	// or "direct".
	IOMode string `mapstructure:"io_mode"`
}

// Default returns the tunables used when nothing else is configured:
// 4 KiB pages, 8-page trains, 64-page extents, a 256-frame pool, a
// best-effort 90% fill factor, and plain file-backed I/O.
func Default() Config {
	return Config{
		PageBits:         12,
		TrainSize:        8,
		ExtentSize:       64,
		BufferPoolFrames: 256,
		FillFactor:       0.9,
		IOMode:           "file",
	}
}

// Load reads YAML configuration from yamlDoc, falling back to Default() for any
// field left unset.
func Load(yamlDoc []byte) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	cfg := Default()
	v.SetDefault("page_bits", cfg.PageBits)
	v.SetDefault("train_size", cfg.TrainSize)
	v.SetDefault("extent_size", cfg.ExtentSize)
	v.SetDefault("buffer_pool_frames", cfg.BufferPoolFrames)
	v.SetDefault("fill_factor", cfg.FillFactor)
	v.SetDefault("io_mode", cfg.IOMode)

	if len(yamlDoc) > 0 {
		if err := v.ReadConfig(bytes.NewReader(yamlDoc)); err != nil {
			return Config{}, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
