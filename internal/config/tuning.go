package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TuningConfig represents the root configuration for the coaching pipeline.
// All fields are pointers so partial configs are safe: fields omitted from
// the JSON file fall back to the Get* defaults.
type TuningConfig struct {
	// Telemetry ingest params
	TelemetryPollHz *float64 `json:"telemetry_poll_hz,omitempty"`
	SessionPollS    *float64 `json:"session_poll_s,omitempty"`
	BufferDurationS *float64 `json:"buffer_duration_s,omitempty"`

	// Lap timing params
	SectorBoundaries []float64 `json:"sector_boundaries,omitempty"`

	// Message queue params
	MessageCooldownS    *float64 `json:"message_cooldown_s,omitempty"`
	CombinationWindowS  *float64 `json:"combination_window_s,omitempty"`
	MaxMessages         *int     `json:"max_messages,omitempty"`
	DedupWindowFrontS   *float64 `json:"dedup_window_frontend_s,omitempty"`
	DedupWindowBackS    *float64 `json:"dedup_window_backend_s,omitempty"`
	DispatchIntervalS   *float64 `json:"dispatch_interval_s,omitempty"`
	DispatchBurst       *int     `json:"dispatch_burst,omitempty"`
	SessionIdleTimeoutS *float64 `json:"session_idle_timeout_s,omitempty"`

	// Coaching params
	CoachingMode          *string `json:"coaching_mode,omitempty"`
	RateLimitPerMinRemote *int    `json:"rate_limit_per_min_remote,omitempty"`
	RemoteModel           *string `json:"remote_model,omitempty"`

	// Storage params
	PersistenceDir *string `json:"persistence_dir,omitempty"`
	HistoryDB      *string `json:"history_db,omitempty"`

	// Server params
	AdviceListen *string `json:"advice_listen,omitempty"`
	UIListen     *string `json:"ui_listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TelemetryPollHz != nil {
		if *c.TelemetryPollHz <= 0 || *c.TelemetryPollHz > 1000 {
			return fmt.Errorf("telemetry_poll_hz must be in (0, 1000], got %f", *c.TelemetryPollHz)
		}
	}

	if c.SectorBoundaries != nil {
		if len(c.SectorBoundaries) == 0 {
			return fmt.Errorf("sector_boundaries must not be empty")
		}
		if c.SectorBoundaries[0] != 0 {
			return fmt.Errorf("sector_boundaries must start at 0, got %f", c.SectorBoundaries[0])
		}
		for i := 1; i < len(c.SectorBoundaries); i++ {
			if c.SectorBoundaries[i] <= c.SectorBoundaries[i-1] || c.SectorBoundaries[i] >= 1 {
				return fmt.Errorf("sector_boundaries must be strictly increasing within [0, 1)")
			}
		}
	}

	if c.MaxMessages != nil && *c.MaxMessages <= 0 {
		return fmt.Errorf("max_messages must be positive, got %d", *c.MaxMessages)
	}

	if c.RateLimitPerMinRemote != nil && *c.RateLimitPerMinRemote < 0 {
		return fmt.Errorf("rate_limit_per_min_remote must be non-negative, got %d", *c.RateLimitPerMinRemote)
	}

	if c.CoachingMode != nil {
		switch *c.CoachingMode {
		case "beginner", "intermediate", "advanced", "race":
		default:
			return fmt.Errorf("unknown coaching_mode %q", *c.CoachingMode)
		}
	}

	return nil
}

// GetTelemetryPollHz returns the telemetry_poll_hz value or the default.
func (c *TuningConfig) GetTelemetryPollHz() float64 {
	if c.TelemetryPollHz == nil {
		return 60.0
	}
	return *c.TelemetryPollHz
}

// GetSessionPollS returns the session_poll_s value or the default.
func (c *TuningConfig) GetSessionPollS() float64 {
	if c.SessionPollS == nil {
		return 5.0
	}
	return *c.SessionPollS
}

// GetBufferDurationS returns the buffer_duration_s value or the default.
func (c *TuningConfig) GetBufferDurationS() float64 {
	if c.BufferDurationS == nil {
		return 30.0
	}
	return *c.BufferDurationS
}

// GetSectorBoundaries returns the sector_boundaries value or the default
// three-sector split.
func (c *TuningConfig) GetSectorBoundaries() []float64 {
	if c.SectorBoundaries == nil {
		return []float64{0.0, 0.33, 0.66}
	}
	out := make([]float64, len(c.SectorBoundaries))
	copy(out, c.SectorBoundaries)
	return out
}

// GetMessageCooldownS returns the message_cooldown_s value or the default.
func (c *TuningConfig) GetMessageCooldownS() float64 {
	if c.MessageCooldownS == nil {
		return 8.0
	}
	return *c.MessageCooldownS
}

// GetCombinationWindowS returns the combination_window_s value or the default.
func (c *TuningConfig) GetCombinationWindowS() float64 {
	if c.CombinationWindowS == nil {
		return 3.0
	}
	return *c.CombinationWindowS
}

// GetMaxMessages returns the max_messages value or the default.
func (c *TuningConfig) GetMaxMessages() int {
	if c.MaxMessages == nil {
		return 4
	}
	return *c.MaxMessages
}

// GetDedupWindowFrontS returns the dedup_window_frontend_s value or the default.
func (c *TuningConfig) GetDedupWindowFrontS() float64 {
	if c.DedupWindowFrontS == nil {
		return 12.0
	}
	return *c.DedupWindowFrontS
}

// GetDedupWindowBackS returns the dedup_window_backend_s value or the default.
func (c *TuningConfig) GetDedupWindowBackS() float64 {
	if c.DedupWindowBackS == nil {
		return 8.0
	}
	return *c.DedupWindowBackS
}

// GetDispatchIntervalS returns the dispatch_interval_s value or the default.
func (c *TuningConfig) GetDispatchIntervalS() float64 {
	if c.DispatchIntervalS == nil {
		return 2.0
	}
	return *c.DispatchIntervalS
}

// GetDispatchBurst returns the dispatch_burst value or the default.
func (c *TuningConfig) GetDispatchBurst() int {
	if c.DispatchBurst == nil {
		return 3
	}
	return *c.DispatchBurst
}

// GetSessionIdleTimeoutS returns the session_idle_timeout_s value or the default.
func (c *TuningConfig) GetSessionIdleTimeoutS() float64 {
	if c.SessionIdleTimeoutS == nil {
		return 60.0
	}
	return *c.SessionIdleTimeoutS
}

// GetCoachingMode returns the coaching_mode value or the default.
func (c *TuningConfig) GetCoachingMode() string {
	if c.CoachingMode == nil {
		return "intermediate"
	}
	return *c.CoachingMode
}

// GetRateLimitPerMinRemote returns the rate_limit_per_min_remote value or the default.
func (c *TuningConfig) GetRateLimitPerMinRemote() int {
	if c.RateLimitPerMinRemote == nil {
		return 5
	}
	return *c.RateLimitPerMinRemote
}

// GetRemoteModel returns the remote_model value or the default.
func (c *TuningConfig) GetRemoteModel() string {
	if c.RemoteModel == nil {
		return "gemini-2.0-flash"
	}
	return *c.RemoteModel
}

// GetPersistenceDir returns the persistence_dir value or the default.
func (c *TuningConfig) GetPersistenceDir() string {
	if c.PersistenceDir == nil {
		return "data/references"
	}
	return *c.PersistenceDir
}

// GetHistoryDB returns the history_db value or the default.
func (c *TuningConfig) GetHistoryDB() string {
	if c.HistoryDB == nil {
		return "data/history.db"
	}
	return *c.HistoryDB
}

// GetAdviceListen returns the advice_listen value or the default.
func (c *TuningConfig) GetAdviceListen() string {
	if c.AdviceListen == nil {
		return ":8089"
	}
	return *c.AdviceListen
}

// GetUIListen returns the ui_listen value or the default.
func (c *TuningConfig) GetUIListen() string {
	if c.UIListen == nil {
		return ":8090"
	}
	return *c.UIListen
}
