// internal/logger/config.go
package logger

type Config struct {
	LogFile    string
	MaxSize    int  // megabytes
	MaxAge     int  // days
	MaxBackups int  // files
	Compress   bool // gzip rotated files
	// Development switches to Debug level and the development encoder.
	Development bool
	// Pretty renders the console with colored levels and short timestamps.
	Pretty bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		LogFile:    "logs/copybot.log",
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 3,
		Compress:   true,
		Pretty:     true,
	}
}
