package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/pkg/database"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/pkg/redis"
	"github.com/spf13/viper"
)

// Config is the root configuration for the reconciliation engine
type Config struct {
	Database database.Config `mapstructure:"database"`
	Redis    redis.Config    `mapstructure:"redis"`
	Log      logger.Config   `mapstructure:"log"`

	Backends   []BackendConfig  `mapstructure:"backends"`
	Quarantine QuarantineConfig `mapstructure:"quarantine"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Lock       LockConfig       `mapstructure:"lock"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// BackendConfig describes one named storage root
type BackendConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"` // s3, local

	// s3 settings
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`

	// root prefix within the bucket, or the local directory for kind=local
	Root string `mapstructure:"root"`
}

// QuarantineConfig names the backend and root used as the staging/holding area
type QuarantineConfig struct {
	Backend string `mapstructure:"backend"`
	Root    string `mapstructure:"root"`
}

// AuditConfig selects where the append-only change log is written.
// "postgres" shares the engine database; "file" appends JSON lines to Path
// for air-gapped runs with no reachable database.
type AuditConfig struct {
	Backend string `mapstructure:"backend"` // postgres, file
	Path    string `mapstructure:"path"`    // required for backend=file
}

// MatcherConfig holds link-repair tuning
type MatcherConfig struct {
	// Folder name that marks preferred file locations (tier tie-break)
	OriginalsFolder string `mapstructure:"originals_folder"`
	// Patterns that pick the surviving record during duplicate resolution
	PriorityFolderPatterns    []string `mapstructure:"priority_folder_patterns"`
	PriorityContainerPatterns []string `mapstructure:"priority_container_patterns"`
}

// EngineConfig holds batch, checkpoint, and error-budget settings
type EngineConfig struct {
	BatchSize          int `mapstructure:"batch_size"`
	CheckpointInterval int `mapstructure:"checkpoint_interval"` // full checkpoint every N batches
	Workers            int `mapstructure:"workers"`             // 1 = sequential

	ExpectedMissingFiles int `mapstructure:"expected_missing_files"`
	MissingFileSlack     int `mapstructure:"missing_file_slack"`
	ErrorThreshold       int `mapstructure:"error_threshold"` // critical ceiling

	DryRun bool `mapstructure:"dry_run"`
}

// LockConfig controls the exclusive run lock
type LockConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Key             string        `mapstructure:"key"`
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads the config file and applies RECONCILE_ environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.batch_size", 100)
	v.SetDefault("engine.checkpoint_interval", 5)
	v.SetDefault("engine.workers", 1)
	v.SetDefault("engine.expected_missing_files", 0)
	v.SetDefault("engine.missing_file_slack", 10)
	v.SetDefault("engine.error_threshold", 50)

	v.SetDefault("matcher.originals_folder", "originals")

	v.SetDefault("audit.backend", "postgres")

	v.SetDefault("lock.enabled", true)
	v.SetDefault("lock.key", "reconcile:run")
	v.SetDefault("lock.ttl", 2*time.Minute)
	v.SetDefault("lock.refresh_interval", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "console")
}

// Validate checks cross-field constraints that viper cannot express
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one storage backend is required")
	}

	names := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend name is required")
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		names[b.Name] = true

		switch b.Kind {
		case "s3":
			if b.Endpoint == "" || b.Bucket == "" {
				return fmt.Errorf("backend %q: s3 backends need endpoint and bucket", b.Name)
			}
		case "local":
			if b.Root == "" {
				return fmt.Errorf("backend %q: local backends need a root directory", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown kind %q", b.Name, b.Kind)
		}
	}

	if c.Quarantine.Backend != "" && !names[c.Quarantine.Backend] {
		return fmt.Errorf("quarantine backend %q is not configured", c.Quarantine.Backend)
	}

	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine batch_size must be > 0")
	}
	if c.Engine.CheckpointInterval <= 0 {
		return fmt.Errorf("engine checkpoint_interval must be > 0")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine workers must be >= 1")
	}

	switch c.Audit.Backend {
	case "postgres":
	case "file":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit backend %q needs a path", c.Audit.Backend)
		}
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}

	if c.Lock.Enabled {
		if c.Lock.RefreshInterval <= 0 || c.Lock.TTL <= 0 {
			return fmt.Errorf("lock ttl and refresh_interval must be > 0")
		}
		if c.Lock.RefreshInterval >= c.Lock.TTL {
			return fmt.Errorf("lock refresh_interval must be shorter than ttl")
		}
	}

	return nil
}
