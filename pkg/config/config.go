package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 应用程序配置
type Config struct {
	Workspace   WorkspaceConfig   `json:"workspace"`
	Snapshot    SnapshotConfig    `json:"snapshot"`
	Persistence PersistenceConfig `json:"persistence"`
	Compaction  CompactionConfig  `json:"compaction"`
	Log         LogConfig         `json:"log"`
}

// WorkspaceConfig 工作区配置
type WorkspaceConfig struct {
	// Root is the directory holding the cleanslate/ data tree.
	Root string `json:"root"`
}

// SnapshotConfig 快照配置
type SnapshotConfig struct {
	// ShardSize is the number of rows per shard file.
	ShardSize int `json:"shard_size"`
	// ShardCacheSize is the number of decoded shards the store keeps hot.
	ShardCacheSize int `json:"shard_cache_size"`
	// Compression is the parquet codec: snappy, gzip, zstd, lz4, none.
	Compression string `json:"compression"`
}

// PersistenceConfig 持久化调度配置
type PersistenceConfig struct {
	Debounce         time.Duration `json:"debounce"`       // structural-change debounce, small tables
	DebounceLarge    time.Duration `json:"debounce_large"` // tables above LargeTableRows
	MaxWait          time.Duration `json:"max_wait"`       // forced flush under continuous editing
	MaxWaitLarge     time.Duration `json:"max_wait_large"`
	LargeTableRows   int64         `json:"large_table_rows"`
	RecentSaveWindow time.Duration `json:"recent_save_window"` // suppress redundant debounced saves
}

// CompactionConfig 压缩配置
type CompactionConfig struct {
	Interval       time.Duration `json:"interval"`
	EntryThreshold int           `json:"entry_threshold"` // changelog entries forcing a run
	IdleAfter      time.Duration `json:"idle_after"`      // user-idle trigger
	LockStaleAfter time.Duration `json:"lock_stale_after"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or text
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root: ".",
		},
		Snapshot: SnapshotConfig{
			ShardSize:      50000,
			ShardCacheSize: 4,
			Compression:    "snappy",
		},
		Persistence: PersistenceConfig{
			Debounce:         2 * time.Second,
			DebounceLarge:    10 * time.Second,
			MaxWait:          15 * time.Second,
			MaxWaitLarge:     45 * time.Second,
			LargeTableRows:   1_000_000,
			RecentSaveWindow: 5 * time.Second,
		},
		Compaction: CompactionConfig{
			Interval:       10 * time.Second,
			EntryThreshold: 1000,
			IdleAfter:      30 * time.Second,
			LockStaleAfter: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadConfigOrDefault 尝试从常见位置加载配置文件
func LoadConfigOrDefault() *Config {
	possiblePaths := []string{
		"config.json",
		"./config/config.json",
	}

	if envPath := os.Getenv("CLEANSLATE_CONFIG"); envPath != "" {
		if config, err := LoadConfig(envPath); err == nil {
			return config
		}
	}

	for _, path := range possiblePaths {
		if absPath, err := filepath.Abs(path); err == nil {
			if config, err := LoadConfig(absPath); err == nil {
				return config
			}
		}
	}

	return DefaultConfig()
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	if config.Snapshot.ShardSize < 1 {
		return fmt.Errorf("shard size must be positive: %d", config.Snapshot.ShardSize)
	}

	if config.Snapshot.ShardCacheSize < 0 {
		return fmt.Errorf("shard cache size cannot be negative: %d", config.Snapshot.ShardCacheSize)
	}

	if config.Persistence.Debounce <= 0 || config.Persistence.MaxWait <= 0 {
		return fmt.Errorf("persistence debounce and max wait must be positive")
	}

	if config.Persistence.MaxWait < config.Persistence.Debounce {
		return fmt.Errorf("max wait must be at least the debounce window")
	}

	if config.Compaction.EntryThreshold < 1 {
		return fmt.Errorf("compaction entry threshold must be positive: %d", config.Compaction.EntryThreshold)
	}

	return nil
}
