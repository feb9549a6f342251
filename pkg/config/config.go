// Package config holds the memory substrate configuration. Values come
// from defaults, an optional JSON file, then OPENMEMORY_* environment
// variables, in that precedence order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config configures storage, sector fusion and salience behavior.
type Config struct {
	// DBPath is the SQLite database file backing facts and memories.
	DBPath string `json:"db_path" env:"OPENMEMORY_DB_PATH"`

	LogLevel string `json:"log_level" env:"OPENMEMORY_LOG_LEVEL"`

	// Sector fusion weights. Raw sector scores are normalized to [0,1]
	// before weighting, so these only control relative sector influence.
	LexicalWeight  float64 `json:"lexical_weight" env:"OPENMEMORY_LEXICAL_WEIGHT"`
	SemanticWeight float64 `json:"semantic_weight" env:"OPENMEMORY_SEMANTIC_WEIGHT"`
	CodeWeight     float64 `json:"code_weight" env:"OPENMEMORY_CODE_WEIGHT"`

	// SalienceBonus scales how much a memory's salience adds to its
	// fused score during search.
	SalienceBonus float64 `json:"salience_bonus" env:"OPENMEMORY_SALIENCE_BONUS"`

	// SalienceHalfLife is the recency decay half-life.
	SalienceHalfLife time.Duration `json:"salience_half_life" env:"OPENMEMORY_SALIENCE_HALF_LIFE"`
	// SalienceSaturation controls how quickly the access-frequency term
	// saturates; higher means more accesses are needed to max out.
	SalienceSaturation float64 `json:"salience_saturation" env:"OPENMEMORY_SALIENCE_SATURATION"`

	// MaxMemories bounds the store; 0 disables eviction entirely.
	MaxMemories int `json:"max_memories" env:"OPENMEMORY_MAX_MEMORIES"`
	// MinRetention protects young memories from eviction regardless of
	// salience.
	MinRetention     time.Duration `json:"min_retention" env:"OPENMEMORY_MIN_RETENTION"`
	EvictionInterval time.Duration `json:"eviction_interval" env:"OPENMEMORY_EVICTION_INTERVAL"`

	// ChunkThreshold is the content length (runes) above which Add
	// splits content into linked chunk memories.
	ChunkThreshold int `json:"chunk_threshold" env:"OPENMEMORY_CHUNK_THRESHOLD"`

	SearchCacheTTL      time.Duration `json:"search_cache_ttl" env:"OPENMEMORY_SEARCH_CACHE_TTL"`
	DefaultSearchLimit  int           `json:"default_search_limit" env:"OPENMEMORY_DEFAULT_SEARCH_LIMIT"`
	DefaultHistoryLimit int           `json:"default_history_limit" env:"OPENMEMORY_DEFAULT_HISTORY_LIMIT"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		DBPath:              "openmemory.db",
		LogLevel:            "info",
		LexicalWeight:       0.45,
		SemanticWeight:      0.45,
		CodeWeight:          0.35,
		SalienceBonus:       0.15,
		SalienceHalfLife:    72 * time.Hour,
		SalienceSaturation:  8,
		MaxMemories:         0,
		MinRetention:        24 * time.Hour,
		EvictionInterval:    time.Minute,
		ChunkThreshold:      2000,
		SearchCacheTTL:      20 * time.Second,
		DefaultSearchLimit:  10,
		DefaultHistoryLimit: 20,
	}
}

// Load builds a Config from defaults overlaid with the JSON file at
// path (a missing file is fine) and then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}
	return cfg, nil
}
