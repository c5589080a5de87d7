package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/inkwell/childbook/internal/model"
)

var ErrConfigMissing = errors.New("required configuration missing")

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	RunComfy  RunComfyConfig
	Instance  InstanceConfig
	Workflow  WorkflowConfig
	Styles    map[model.Style]StyleConfig `validate:"required,dive"`
	Upscale   UpscaleConfig
	Paths     PathsConfig
	Tiles     TilesConfig
	PPI       PPIConfig
	Billing   BillingConfig
}

type ServerConfig struct {
	Port     string `validate:"required"`
	Env      string
	LogLevel string `validate:"oneof=debug info warn error"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	RunsPerHour int `validate:"min=1"`
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Prefix          string
}

type RunComfyConfig struct {
	UserID              string
	APIToken            string
	BaseURL             string `validate:"required,url"`
	InstanceURLTemplate string `validate:"required,contains={id}"`
	KeysFile            string
}

// RequireCredentials fails with ErrConfigMissing when the provider
// credentials are not set.
func (c RunComfyConfig) RequireCredentials() error {
	var missing []string
	if c.UserID == "" {
		missing = append(missing, "RUNCOMFY_USER_ID")
	}
	if c.APIToken == "" {
		missing = append(missing, "RUNCOMFY_API_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(missing, ", "))
	}
	return nil
}

type InstanceConfig struct {
	Machine          string `validate:"oneof=medium large xlarge 2xlarge 2xlarge_plus"`
	GenDuration      time.Duration
	UpscaleDuration  time.Duration
	ProvisionTimeout time.Duration `validate:"gt=0"`
	Store            string        `validate:"oneof=file redis"`
	StateFile        string
	RedisKey         string
}

type WorkflowConfig struct {
	PollInterval     time.Duration `validate:"gt=0"`
	PollErrorDelay   time.Duration `validate:"gt=0"`
	Timeout          time.Duration `validate:"gt=0"`
	InnerAttempts    int           `validate:"min=1"`
	OuterAttempts    int           `validate:"min=1"`
	BaseDelay        time.Duration
	EmptyOutputDelay time.Duration
	Dir              string
}

type StyleConfig struct {
	WorkflowFile string   `validate:"required"`
	SeedNode     string   `validate:"required"`
	BatchNodes   []string `validate:"dive,required"`
	TextNode     string   `validate:"required"`
	BatchSize    int      `validate:"min=1"`
}

type UpscaleConfig struct {
	WorkflowFile string `validate:"required"`
	SeedNode     string `validate:"required"`
	ImageNode    string `validate:"required"`
}

type PathsConfig struct {
	Base            string
	GenManifest     string
	RetryManifest   string
	GenOutput       string
	RetryOutput     string
	UpscaleSource   string
	UpscaleOutput   string
	InpaintManifest string
	CropSource      string
	CropOutput      string
	PasteSource     string
	PasteOutput     string
	FixManifest     string
	FixOutput       string
	StyleSource     string
	PPISource       string
	PPIOutput       string
	PPITemp         string
	ProjectSource   string
	ProjectOutput   string
	RunLog          string
}

type TilesConfig struct {
	Width   int `validate:"min=1"`
	Height  int `validate:"min=1"`
	Columns int `validate:"min=2"`
	Rows    int `validate:"min=2"`
}

type PPIConfig struct {
	Value     int `validate:"min=1"`
	ShortSide int `validate:"min=0"`
	MinWidth  int `validate:"min=0"`
}

type BillingConfig struct {
	Type           model.BillingType `validate:"oneof=hobby pro"`
	StartupMinutes float64           `validate:"min=0"`
}

// Load reads config.yaml from . or ./config plus the environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file. An empty path searches
// the default locations.
func LoadFrom(path string) (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("RUNCOMFY_USER_ID")
	readSecret("RUNCOMFY_API_TOKEN")

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("runcomfy.user_id", "RUNCOMFY_USER_ID")
	_ = v.BindEnv("runcomfy.api_token", "RUNCOMFY_API_TOKEN")
	_ = v.BindEnv("runcomfy.base_url", "RUNCOMFY_BASE_URL")
	_ = v.BindEnv("runcomfy.keys_file", "RUNCOMFY_KEYS_FILE")
	_ = v.BindEnv("instance.machine", "RUNCOMFY_MACHINE")
	_ = v.BindEnv("instance.store", "INSTANCE_STORE")
	_ = v.BindEnv("billing.type", "RUNCOMFY_BILLING_TYPE")
	_ = v.BindEnv("paths.base", "CHILDBOOK_BASE_DIR")

	setDefaults(v)

	// Try to read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil && path != "" {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			RunsPerHour: v.GetInt("ratelimit.runs_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			Prefix:          v.GetString("r2.prefix"),
		},
		RunComfy: RunComfyConfig{
			UserID:              v.GetString("runcomfy.user_id"),
			APIToken:            v.GetString("runcomfy.api_token"),
			BaseURL:             v.GetString("runcomfy.base_url"),
			InstanceURLTemplate: v.GetString("runcomfy.instance_url_template"),
			KeysFile:            v.GetString("runcomfy.keys_file"),
		},
		Instance: InstanceConfig{
			Machine:          v.GetString("instance.machine"),
			GenDuration:      v.GetDuration("instance.gen_duration"),
			UpscaleDuration:  v.GetDuration("instance.upscale_duration"),
			ProvisionTimeout: v.GetDuration("instance.provision_timeout"),
			Store:            v.GetString("instance.store"),
			StateFile:        v.GetString("instance.state_file"),
			RedisKey:         v.GetString("instance.redis_key"),
		},
		Workflow: WorkflowConfig{
			PollInterval:     v.GetDuration("workflow.poll_interval"),
			PollErrorDelay:   v.GetDuration("workflow.poll_error_delay"),
			Timeout:          v.GetDuration("workflow.timeout"),
			InnerAttempts:    v.GetInt("workflow.inner_attempts"),
			OuterAttempts:    v.GetInt("workflow.outer_attempts"),
			BaseDelay:        v.GetDuration("workflow.base_delay"),
			EmptyOutputDelay: v.GetDuration("workflow.empty_output_delay"),
			Dir:              v.GetString("workflow.dir"),
		},
		Styles: loadStyles(v),
		Upscale: UpscaleConfig{
			WorkflowFile: v.GetString("upscale.workflow_file"),
			SeedNode:     v.GetString("upscale.seed_node"),
			ImageNode:    v.GetString("upscale.image_node"),
		},
		Tiles: TilesConfig{
			Width:   v.GetInt("tiles.width"),
			Height:  v.GetInt("tiles.height"),
			Columns: v.GetInt("tiles.columns"),
			Rows:    v.GetInt("tiles.rows"),
		},
		PPI: PPIConfig{
			Value:     v.GetInt("ppi.value"),
			ShortSide: v.GetInt("ppi.short_side"),
			MinWidth:  v.GetInt("ppi.min_width"),
		},
		Billing: BillingConfig{
			Type:           model.BillingType(v.GetString("billing.type")),
			StartupMinutes: v.GetFloat64("billing.startup_minutes"),
		},
	}
	cfg.Paths = loadPaths(v, v.GetString("paths.base"))

	if cfg.RunComfy.UserID == "" || cfg.RunComfy.APIToken == "" {
		if err := loadKeysFile(&cfg.RunComfy); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.runs_per_hour", 10)
	v.SetDefault("r2.prefix", "childbook")

	// RunComfy defaults
	v.SetDefault("runcomfy.base_url", "https://api.runcomfy.net/prod/api")
	v.SetDefault("runcomfy.instance_url_template", "https://{id}-comfyui.runcomfy.com")
	v.SetDefault("runcomfy.keys_file", "runcomfy_keys.json")

	v.SetDefault("instance.machine", "medium")
	v.SetDefault("instance.gen_duration", 7200*time.Second)
	v.SetDefault("instance.upscale_duration", 14400*time.Second)
	v.SetDefault("instance.provision_timeout", 10*time.Minute)
	v.SetDefault("instance.store", "file")
	v.SetDefault("instance.state_file", ".runcomfy_instance")
	v.SetDefault("instance.redis_key", "childbook:instance")

	v.SetDefault("workflow.poll_interval", 3*time.Second)
	v.SetDefault("workflow.poll_error_delay", 5*time.Second)
	v.SetDefault("workflow.timeout", 10*time.Minute)
	v.SetDefault("workflow.inner_attempts", 2)
	v.SetDefault("workflow.outer_attempts", 3)
	v.SetDefault("workflow.base_delay", 5*time.Second)
	v.SetDefault("workflow.empty_output_delay", 5*time.Second)
	v.SetDefault("workflow.dir", "workflows")

	// Style workflows
	v.SetDefault("styles.watercolor.workflow_file", "runcomfy_watercolor_api.json")
	v.SetDefault("styles.watercolor.seed_node", "202")
	v.SetDefault("styles.watercolor.batch_nodes", []string{"101", "140"})
	v.SetDefault("styles.watercolor.text_node", "177")
	v.SetDefault("styles.watercolor.batch_size", 4)
	v.SetDefault("styles.flat.workflow_file", "runcomfy_flat_api.json")
	v.SetDefault("styles.flat.seed_node", "202")
	v.SetDefault("styles.flat.batch_nodes", []string{"101", "140"})
	v.SetDefault("styles.flat.text_node", "177")
	v.SetDefault("styles.flat.batch_size", 2)

	v.SetDefault("upscale.workflow_file", "runcomfy_upscale_api.json")
	v.SetDefault("upscale.seed_node", "259")
	v.SetDefault("upscale.image_node", "264")

	v.SetDefault("paths.base", "workspace")

	v.SetDefault("tiles.width", 1024)
	v.SetDefault("tiles.height", 1024)
	v.SetDefault("tiles.columns", 5)
	v.SetDefault("tiles.rows", 5)

	v.SetDefault("ppi.value", 450)
	v.SetDefault("ppi.short_side", 1772)
	v.SetDefault("ppi.min_width", 1772)

	v.SetDefault("billing.type", "hobby")
	v.SetDefault("billing.startup_minutes", 5)
}

func loadStyles(v *viper.Viper) map[model.Style]StyleConfig {
	styles := make(map[model.Style]StyleConfig)
	for _, k := range v.AllKeys() {
		rest, ok := strings.CutPrefix(k, "styles.")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, ".")
		if _, seen := styles[model.Style(name)]; seen {
			continue
		}
		key := "styles." + name
		styles[model.Style(name)] = StyleConfig{
			WorkflowFile: v.GetString(key + ".workflow_file"),
			SeedNode:     v.GetString(key + ".seed_node"),
			BatchNodes:   v.GetStringSlice(key + ".batch_nodes"),
			TextNode:     v.GetString(key + ".text_node"),
			BatchSize:    v.GetInt(key + ".batch_size"),
		}
	}
	return styles
}

// loadPaths resolves every working directory relative to base unless it is
// set to an absolute path.
func loadPaths(v *viper.Viper, base string) PathsConfig {
	get := func(key, def string) string {
		p := v.GetString("paths." + key)
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	return PathsConfig{
		Base:            base,
		GenManifest:     get("gen_manifest", "manifest_gen.csv"),
		RetryManifest:   get("retry_manifest", "manifest_retry.csv"),
		GenOutput:       get("gen_output", "child-book-gen"),
		RetryOutput:     get("retry_output", "child-book-retry"),
		UpscaleSource:   get("upscale_source", "child-book-gen"),
		UpscaleOutput:   get("upscale_output", "child-book-upscaled"),
		InpaintManifest: get("inpaint_manifest", "manifest_inpaint.csv"),
		CropSource:      get("crop_source", "child-book-upscaled"),
		CropOutput:      get("crop_output", "child-book-cropped"),
		PasteSource:     get("paste_source", "src"),
		PasteOutput:     get("paste_output", "child-book-upscaled"),
		FixManifest:     get("fix_manifest", "manifest_fix.csv"),
		FixOutput:       get("fix_output", "child-book-fix"),
		StyleSource:     get("style_source", "child-book-upscaled"),
		PPISource:       get("ppi_source", "child-book-upscaled"),
		PPIOutput:       get("ppi_output", "child-book-ppi"),
		PPITemp:         get("ppi_temp", "temp"),
		ProjectSource:   get("project_source", "src"),
		ProjectOutput:   get("project_output", "final"),
		RunLog:          get("run_log", filepath.Join("log", "child-book-run.csv")),
	}
}

// loadKeysFile fills missing RunComfy credentials from a JSON keys file
// holding RUNCOMFY_USER_ID and RUNCOMFY_API_TOKEN. A missing file is not
// an error.
func loadKeysFile(rc *RunComfyConfig) error {
	if rc.KeysFile == "" {
		return nil
	}
	if _, err := os.Stat(rc.KeysFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	kv := viper.New()
	kv.SetConfigFile(rc.KeysFile)
	kv.SetConfigType("json")
	if err := kv.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read keys file %s: %w", rc.KeysFile, err)
	}
	if rc.UserID == "" {
		rc.UserID = kv.GetString("RUNCOMFY_USER_ID")
	}
	if rc.APIToken == "" {
		rc.APIToken = kv.GetString("RUNCOMFY_API_TOKEN")
	}
	return nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WorkflowPath resolves a workflow file name against the workflow dir.
func (c *Config) WorkflowPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Workflow.Dir, name)
}
