// Package config exposes the sync tuning knobs. The defaults were
// found empirically in production use; they are configuration, not
// law, and a TOML file can override any of them.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes TOML strings like "30s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// Frames larger than this are split into fragments.
	ChunkThreshold int64 `toml:"chunk_threshold_bytes"`
	// Bytes of payload per fragment.
	FragmentSize int64 `toml:"fragment_bytes"`
	// Incomplete chunk sets older than this are discarded.
	ReassemblyStaleness Duration `toml:"reassembly_staleness"`
	// Window during which a repeated message id is treated as a
	// duplicate delivery.
	DedupWindow Duration `toml:"dedup_window"`
	// Minimum gap between persisted state snapshot writes.
	SnapshotWriteInterval Duration `toml:"snapshot_write_interval"`
	// Period of the shared prune timer (dedup cache, reassembly
	// buffers, peer roster).
	PruneInterval Duration `toml:"prune_interval"`
	// Hard bound on one broadcast frame.
	BroadcastMaxFrame int64 `toml:"broadcast_max_frame_bytes"`
	// Origin-wide byte quota of the durable store channel.
	StoreQuota int64 `toml:"store_quota_bytes"`
	// Consecutive critical failures before sync is declared degraded.
	CriticalFailureThreshold int `toml:"critical_failure_threshold"`
}

func Default() Config {
	return Config{
		ChunkThreshold:           1 << 20,
		FragmentSize:             1 << 20,
		ReassemblyStaleness:      Duration(30 * time.Second),
		DedupWindow:              Duration(60 * time.Second),
		SnapshotWriteInterval:    Duration(1000 * time.Millisecond),
		PruneInterval:            Duration(2 * time.Second),
		BroadcastMaxFrame:        5 << 20,
		StoreQuota:               5 << 20,
		CriticalFailureThreshold: 3,
	}
}

// Load reads a TOML file over the defaults; absent keys keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ChunkThreshold <= 0 || c.FragmentSize <= 0 {
		return fmt.Errorf("config: chunk sizes must be positive")
	}
	if c.FragmentSize > c.BroadcastMaxFrame {
		return fmt.Errorf("config: fragment_bytes %d exceeds broadcast_max_frame_bytes %d",
			c.FragmentSize, c.BroadcastMaxFrame)
	}
	if c.ReassemblyStaleness <= 0 || c.DedupWindow <= 0 || c.PruneInterval <= 0 {
		return fmt.Errorf("config: windows must be positive")
	}
	if c.CriticalFailureThreshold <= 0 {
		return fmt.Errorf("config: critical_failure_threshold must be positive")
	}
	return nil
}
