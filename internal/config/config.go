package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"photo-shrink-go/internal/compressor"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	SourceDirectory     string            `mapstructure:"source_directory"`
	SupportedExtensions []string          `mapstructure:"supported_extensions"`
	Budget              BudgetConfig      `mapstructure:"budget"`
	Processing          ProcessingConfig  `mapstructure:"processing"`
	Performance         PerformanceConfig `mapstructure:"performance"`
	Security            SecurityConfig    `mapstructure:"security"`
	Logging             LoggingConfig     `mapstructure:"logging"`
	Web                 WebConfig         `mapstructure:"web"`
}

// BudgetConfig contains the size budget and the quality search settings
type BudgetConfig struct {
	MaxSizeKB    float64 `mapstructure:"max_size_kb"`
	QualityStart int     `mapstructure:"quality_start"`
	QualityFloor int     `mapstructure:"quality_floor"`
	QualityStep  int     `mapstructure:"quality_step"`
	MinDimension int     `mapstructure:"min_dimension"`
	MaxHalvings  int     `mapstructure:"max_halvings"` // 0 means halve until min_dimension
	Palette      string  `mapstructure:"palette"`
}

// ProcessingConfig contains file processing settings
type ProcessingConfig struct {
	SkipMarked      bool   `mapstructure:"skip_marked"`
	MarkOutput      bool   `mapstructure:"mark_output"`
	Mark            string `mapstructure:"mark"`
	PreserveModTime bool   `mapstructure:"preserve_mod_time"`
	AutoOrient      bool   `mapstructure:"auto_orient"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads int `mapstructure:"worker_threads"`
}

// SecurityConfig contains security and safety settings
type SecurityConfig struct {
	DryRun         bool `mapstructure:"dry_run"`
	MaxFilesPerRun int  `mapstructure:"max_files_per_run"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// WebConfig contains web interface settings
type WebConfig struct {
	Port int `mapstructure:"port"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	params := compressor.DefaultParams()
	return &Config{
		SourceDirectory:     ".",
		SupportedExtensions: []string{".jpg", ".jpeg", ".png"},
		Budget: BudgetConfig{
			MaxSizeKB:    100,
			QualityStart: params.QualityStart,
			QualityFloor: params.QualityFloor,
			QualityStep:  params.QualityStep,
			MinDimension: params.MinDimension,
			MaxHalvings:  params.MaxHalvings,
			Palette:      params.Palette,
		},
		Processing: ProcessingConfig{
			SkipMarked:      true,
			MarkOutput:      false,
			Mark:            compressor.DefaultMark,
			PreserveModTime: params.PreserveModTime,
			AutoOrient:      params.AutoOrient,
		},
		Performance: PerformanceConfig{
			WorkerThreads: 4,
		},
		Security: SecurityConfig{
			DryRun:         false,
			MaxFilesPerRun: 0, // 0 means no limit
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			FilePath:   "photo-shrink.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
		Web: WebConfig{
			Port: 8080,
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
// Every call uses its own viper instance.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	v := viper.New()

	v.SetConfigType("yaml")
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.photo-shrink")
		v.AddConfigPath("/etc/photo-shrink")
	}

	// Enable environment variable support
	v.SetEnvPrefix("PHOTO_SHRINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so that environment variables can
// override values that are absent from the config file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("source_directory", c.SourceDirectory)
	v.SetDefault("supported_extensions", c.SupportedExtensions)

	v.SetDefault("budget.max_size_kb", c.Budget.MaxSizeKB)
	v.SetDefault("budget.quality_start", c.Budget.QualityStart)
	v.SetDefault("budget.quality_floor", c.Budget.QualityFloor)
	v.SetDefault("budget.quality_step", c.Budget.QualityStep)
	v.SetDefault("budget.min_dimension", c.Budget.MinDimension)
	v.SetDefault("budget.max_halvings", c.Budget.MaxHalvings)
	v.SetDefault("budget.palette", c.Budget.Palette)

	v.SetDefault("processing.skip_marked", c.Processing.SkipMarked)
	v.SetDefault("processing.mark_output", c.Processing.MarkOutput)
	v.SetDefault("processing.mark", c.Processing.Mark)
	v.SetDefault("processing.preserve_mod_time", c.Processing.PreserveModTime)
	v.SetDefault("processing.auto_orient", c.Processing.AutoOrient)

	v.SetDefault("performance.worker_threads", c.Performance.WorkerThreads)

	v.SetDefault("security.dry_run", c.Security.DryRun)
	v.SetDefault("security.max_files_per_run", c.Security.MaxFilesPerRun)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)

	v.SetDefault("web.port", c.Web.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SourceDirectory == "" {
		return fmt.Errorf("source_directory is required")
	}

	if c.Budget.MaxSizeKB <= 0 {
		return fmt.Errorf("budget.max_size_kb must be positive, got %v", c.Budget.MaxSizeKB)
	}

	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}

	if c.Processing.Mark == "" {
		c.Processing.Mark = compressor.DefaultMark
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}

	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = 4
	}

	if c.Security.MaxFilesPerRun < 0 {
		return fmt.Errorf("max_files_per_run must not be negative, got %d", c.Security.MaxFilesPerRun)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web port: %d", c.Web.Port)
	}

	return nil
}

// Params returns the recompression parameters described by the config.
func (c *Config) Params() compressor.Params {
	return compressor.Params{
		QualityStart:    c.Budget.QualityStart,
		QualityFloor:    c.Budget.QualityFloor,
		QualityStep:     c.Budget.QualityStep,
		MinDimension:    c.Budget.MinDimension,
		MaxHalvings:     c.Budget.MaxHalvings,
		Palette:         strings.ToLower(c.Budget.Palette),
		AutoOrient:      c.Processing.AutoOrient,
		PreserveModTime: c.Processing.PreserveModTime,
	}
}

// IsSupportedExtension checks if the extension belongs to a file to recompress
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// ExpandPath resolves environment variables and a leading ~ in path.
func ExpandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return normalized
}
