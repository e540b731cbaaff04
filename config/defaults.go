package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "driveferry.db")

	// Transfer defaults mirror the tuning the transfer tool is known to
	// behave well with for bulk drive exports
	v.SetDefault("transfer.exe_path", "rclone")
	v.SetDefault("transfer.source_remote", "onedrive")
	v.SetDefault("transfer.dest_remote", "b2")
	v.SetDefault("transfer.bucket", "drive-exports")
	v.SetDefault("transfer.transfers", 8)
	v.SetDefault("transfer.checkers", 8)
	v.SetDefault("transfer.retries", 3)
	v.SetDefault("transfer.low_level_retries", 5)
	v.SetDefault("transfer.stats_interval", "1s")
	v.SetDefault("transfer.buffer_size", "16M")
	v.SetDefault("transfer.stop_grace_seconds", 10)
	v.SetDefault("transfer.max_runtime_minutes", 24*60)
	v.SetDefault("transfer.manifest_dir", "manifests")
	v.SetDefault("transfer.log_dir", "logs")

	// OAuth defaults target the Microsoft identity platform; the probe hits
	// the Graph drive root so a 403 surfaces pending admin consent
	v.SetDefault("oauth.token_url", "https://login.microsoftonline.com/common/oauth2/v2.0/token")
	v.SetDefault("oauth.probe_url", "https://graph.microsoft.com/v1.0/me/drive")
	v.SetDefault("oauth.safety_margin_seconds", 300)
	v.SetDefault("oauth.sweep_interval_minutes", 30)
	v.SetDefault("oauth.sweep_window_hours", 4)

	// Job registry defaults
	v.SetDefault("jobs.max_concurrent", 2)
	v.SetDefault("jobs.log_tail_lines", 200)
	v.SetDefault("jobs.progress_updates_sec", 4)
}
