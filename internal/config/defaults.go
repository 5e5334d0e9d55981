package config

// Default values for configuration options. Chosen to be safe starting
// points that work without a config file: conservative retry budget, hourly
// stuck threshold, and a loopback-only event listener.
const (
	defaultDBName                = "sync.db"
	defaultCredentialDirName     = "credentials"
	defaultListenAddr            = "127.0.0.1:8787"
	defaultLogLevel              = "info"
	defaultLogFormat             = "auto"
	defaultLookbackDays          = 3
	defaultMaxRetries            = 3
	defaultRetryDelay            = "5m"
	defaultAttemptTimeout        = "4m"
	defaultStuckThreshold        = "1h"
	defaultRecoveryInterval      = "5m"
	defaultSessionReleaseTimeout = "30s"
	defaultStaggerInterval       = "10m"
	defaultWindowDuration        = "1h"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (unset fields keep defaults)
// and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		DBPath:        defaultDataPath(defaultDBName),
		CredentialDir: defaultDataPath(defaultCredentialDirName),
		ListenAddr:    defaultListenAddr,
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Scheduler: SchedulerConfig{
			LookbackDays:          defaultLookbackDays,
			MaxRetries:            defaultMaxRetries,
			RetryDelay:            defaultRetryDelay,
			AttemptTimeout:        defaultAttemptTimeout,
			StuckThreshold:        defaultStuckThreshold,
			RecoveryInterval:      defaultRecoveryInterval,
			SessionReleaseTimeout: defaultSessionReleaseTimeout,
			StaggerInterval:       defaultStaggerInterval,
			WindowDuration:        defaultWindowDuration,
		},
	}
}
