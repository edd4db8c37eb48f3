package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/PabloGalante/persona-chat/internal/domain"
)

type Gateway string

const (
	GatewayGemini Gateway = "gemini" // Gemini API with an API key
	GatewayVertex Gateway = "vertex" // Vertex AI with ADC
	GatewayMock   Gateway = "mock"
)

type Storage string

const (
	StorageMemory    Storage = "memory"
	StorageFile      Storage = "file"
	StorageSQLite    Storage = "sqlite"
	StorageFirestore Storage = "firestore"
)

type Config struct {
	Port     string
	LogLevel string

	Gateway      Gateway
	APIKey       string
	GCPProjectID string
	GCPLocation  string

	Model       domain.ModelID // default selection for new sessions
	ImageModel  string
	TitleModel  string
	SpeechModel string
	Voice       string

	GatewayRPS   float64 // 0 disables rate limiting
	GatewayBurst int

	Storage             Storage
	DataDir             string
	SQLitePath          string
	FirestoreCollection string
	PersistTimeout      time.Duration
}

// New returns a viper instance with every key's default and env binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PERSONA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("gateway", string(GatewayGemini))
	v.SetDefault("gcp_location", "us-central1")
	v.SetDefault("model", string(domain.ModelFlash))
	v.SetDefault("image_model", "gemini-2.5-flash-image")
	v.SetDefault("title_model", string(domain.ModelFlash))
	v.SetDefault("speech_model", "gemini-2.5-flash-preview-tts")
	v.SetDefault("voice", "Kore")
	v.SetDefault("gateway_rps", 0.0)
	v.SetDefault("gateway_burst", 1)
	v.SetDefault("storage", string(StorageFile))
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("sqlite_path", "")
	v.SetDefault("firestore_collection", "persona_kv")
	v.SetDefault("persist_timeout", 5*time.Second)

	// Unprefixed names used by the Google SDKs and by Cloud Run.
	_ = v.BindEnv("api_key", "PERSONA_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("gcp_project", "PERSONA_GCP_PROJECT", "GOOGLE_CLOUD_PROJECT")
	_ = v.BindEnv("port", "PERSONA_PORT", "PORT")

	return v
}

// Load reads .env (if present) and the environment, and builds the config.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(New())
}

// FromViper builds and validates a Config from an already populated viper.
func FromViper(v *viper.Viper) (*Config, error) {
	model, err := domain.ParseModel(v.GetString("model"))
	if err != nil {
		return nil, fmt.Errorf("config model %q: %w", v.GetString("model"), err)
	}

	cfg := &Config{
		Port:     v.GetString("port"),
		LogLevel: v.GetString("log_level"),

		Gateway:      Gateway(strings.ToLower(v.GetString("gateway"))),
		APIKey:       v.GetString("api_key"),
		GCPProjectID: v.GetString("gcp_project"),
		GCPLocation:  v.GetString("gcp_location"),

		Model:       model,
		ImageModel:  v.GetString("image_model"),
		TitleModel:  v.GetString("title_model"),
		SpeechModel: v.GetString("speech_model"),
		Voice:       v.GetString("voice"),

		GatewayRPS:   v.GetFloat64("gateway_rps"),
		GatewayBurst: v.GetInt("gateway_burst"),

		Storage:             Storage(strings.ToLower(v.GetString("storage"))),
		DataDir:             v.GetString("data_dir"),
		SQLitePath:          v.GetString("sqlite_path"),
		FirestoreCollection: v.GetString("firestore_collection"),
		PersistTimeout:      v.GetDuration("persist_timeout"),
	}

	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "persona.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Gateway {
	case GatewayGemini, GatewayVertex, GatewayMock:
	default:
		return fmt.Errorf("unknown gateway %q", c.Gateway)
	}

	switch c.Storage {
	case StorageMemory, StorageFile, StorageSQLite:
	case StorageFirestore:
		if c.GCPProjectID == "" {
			return errors.New("PERSONA_GCP_PROJECT is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}

	if c.GatewayRPS < 0 {
		return errors.New("gateway_rps must not be negative")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".persona"
	}
	return filepath.Join(home, ".persona")
}

// GatewayCredentials reports whether the selected gateway has what it needs
// to connect. Commands that never call the model skip this check.
func (c *Config) GatewayCredentials() error {
	switch c.Gateway {
	case GatewayGemini:
		if c.APIKey == "" {
			return errors.New("PERSONA_API_KEY (or GEMINI_API_KEY) must be set for the gemini gateway")
		}
	case GatewayVertex:
		if c.GCPProjectID == "" || c.GCPLocation == "" {
			return errors.New("PERSONA_GCP_PROJECT and PERSONA_GCP_LOCATION must be set for the vertex gateway")
		}
	}
	return nil
}
