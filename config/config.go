// Package config holds the driveferry configuration, loaded from a TOML
// file via Viper with environment variable overrides.
package config

// Config represents the full driveferry configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the driveferry HTTP/WebSocket server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = default 8790, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is used when server.port is omitted
const DefaultServerPort = 8790

// TransferConfig configures the external transfer executable and its tuning
type TransferConfig struct {
	ExePath         string `mapstructure:"exe_path"`          // transfer executable (default: "rclone" on PATH)
	SourceRemote    string `mapstructure:"source_remote"`     // rclone remote name for the source provider
	DestRemote      string `mapstructure:"dest_remote"`       // rclone remote name for the destination provider
	Bucket          string `mapstructure:"bucket"`            // destination bucket
	Transfers       int    `mapstructure:"transfers"`         // --transfers
	Checkers        int    `mapstructure:"checkers"`          // --checkers
	Retries         int    `mapstructure:"retries"`           // --retries
	LowLevelRetries int    `mapstructure:"low_level_retries"` // --low-level-retries
	StatsInterval   string `mapstructure:"stats_interval"`    // --stats (e.g. "1s")
	BufferSize      string `mapstructure:"buffer_size"`       // --buffer-size (e.g. "16M")

	// Lifecycle limits
	StopGraceSeconds  int `mapstructure:"stop_grace_seconds"`  // SIGTERM→SIGKILL grace period
	MaxRuntimeMinutes int `mapstructure:"max_runtime_minutes"` // wall-clock ceiling per job

	// Working directories
	ManifestDir string `mapstructure:"manifest_dir"` // per-job manifest files (ephemeral)
	LogDir      string `mapstructure:"log_dir"`      // per-job append-only logs (retained)
}

// OAuthConfig configures the credential provider used for token refresh and
// the source access probe
type OAuthConfig struct {
	TokenURL     string `mapstructure:"token_url"`     // refresh token exchange endpoint
	ProbeURL     string `mapstructure:"probe_url"`     // drive access probe endpoint
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`

	// Refresh policy
	SafetyMarginSeconds int `mapstructure:"safety_margin_seconds"` // refresh when within this margin of expiry
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"` // background proactive refresh cadence
	SweepWindowHours    int `mapstructure:"sweep_window_hours"`    // refresh records expiring within this window
}

// JobsConfig configures registry and concurrency behaviour
type JobsConfig struct {
	MaxConcurrent      int `mapstructure:"max_concurrent"`       // global launch admission ceiling
	LogTailLines       int `mapstructure:"log_tail_lines"`       // in-memory tail ring per job
	ProgressUpdatesSec int `mapstructure:"progress_updates_sec"` // coalesced progress events per second per job
}
