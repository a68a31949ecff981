package logger

type Config struct {
	LogFile     string `mapstructure:"file"`
	MaxSize     int    `mapstructure:"max_size"`    // megabytes
	MaxAge      int    `mapstructure:"max_age"`     // days
	MaxBackups  int    `mapstructure:"max_backups"` // number of files
	Compress    bool   `mapstructure:"compress"`    // gzip rotated files
	Development bool   `mapstructure:"development"`
	// Console writes a colored copy of the log to stdout. Disable it while a
	// terminal UI owns the screen.
	Console bool `mapstructure:"console"`
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		LogFile:     "logs/eventsub.log",
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: false,
		Console:     true,
	}
}
