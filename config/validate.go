package config

import "github.com/driveferry/driveferry/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "driveferry.db" per defaults.go

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	if c.Transfer.ExePath == "" {
		return errors.New("transfer.exe_path cannot be empty")
	}
	if c.Transfer.SourceRemote == "" {
		return errors.New("transfer.source_remote cannot be empty")
	}
	if c.Transfer.DestRemote == "" {
		return errors.New("transfer.dest_remote cannot be empty")
	}
	if c.Transfer.Bucket == "" {
		return errors.New("transfer.bucket cannot be empty")
	}

	// Transfer tuning: these flags are always passed, so 0 is invalid
	if c.Transfer.Transfers <= 0 {
		return errors.Newf("transfer.transfers must be > 0, got %d", c.Transfer.Transfers)
	}
	if c.Transfer.Checkers <= 0 {
		return errors.Newf("transfer.checkers must be > 0, got %d", c.Transfer.Checkers)
	}
	if c.Transfer.Retries < 0 {
		return errors.Newf("transfer.retries must be >= 0, got %d", c.Transfer.Retries)
	}
	if c.Transfer.LowLevelRetries < 0 {
		return errors.Newf("transfer.low_level_retries must be >= 0, got %d", c.Transfer.LowLevelRetries)
	}

	// Lifecycle: grace of 0 would SIGKILL immediately, runtime of 0 would
	// kill jobs at launch
	if c.Transfer.StopGraceSeconds <= 0 {
		return errors.Newf("transfer.stop_grace_seconds must be > 0, got %d", c.Transfer.StopGraceSeconds)
	}
	if c.Transfer.MaxRuntimeMinutes <= 0 {
		return errors.Newf("transfer.max_runtime_minutes must be > 0, got %d", c.Transfer.MaxRuntimeMinutes)
	}

	// OAuth refresh policy
	if c.OAuth.SafetyMarginSeconds < 0 {
		return errors.Newf("oauth.safety_margin_seconds must be >= 0, got %d", c.OAuth.SafetyMarginSeconds)
	}
	if c.OAuth.SweepIntervalMinutes < 0 {
		return errors.Newf("oauth.sweep_interval_minutes must be >= 0, got %d", c.OAuth.SweepIntervalMinutes)
	}
	if c.OAuth.SweepWindowHours < 0 {
		return errors.Newf("oauth.sweep_window_hours must be >= 0, got %d", c.OAuth.SweepWindowHours)
	}

	// Jobs: max_concurrent of 0 would deadlock every launch
	if c.Jobs.MaxConcurrent <= 0 {
		return errors.Newf("jobs.max_concurrent must be > 0, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.LogTailLines < 0 {
		return errors.Newf("jobs.log_tail_lines must be >= 0, got %d", c.Jobs.LogTailLines)
	}
	if c.Jobs.ProgressUpdatesSec <= 0 {
		return errors.Newf("jobs.progress_updates_sec must be > 0, got %d", c.Jobs.ProgressUpdatesSec)
	}

	return nil
}
