package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"

	"github.com/menta2k/dish-counter/internal/utils"
	"github.com/menta2k/dish-counter/pkg/geometry"
	"github.com/menta2k/dish-counter/pkg/overlay"
	"github.com/menta2k/dish-counter/pkg/types"
)

// Backend kinds
const (
	BackendServer = "server"
	BackendOpenCV = "opencv"
	BackendVLM    = "vlm"
)

// Store kinds
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ConfigurationError is a fatal startup problem
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Config holds the application configuration
type Config struct {
	Models   ModelsConfig    `json:"models"`
	Backend  BackendConfig   `json:"backend"`
	Geometry geometry.Config `json:"geometry"`
	Overlay  overlay.Config  `json:"overlay"`
	Server   ServerConfig    `json:"server"`
	Store    StoreConfig     `json:"store"`
	Telegram TelegramConfig  `json:"telegram"`
	Texts    Texts           `json:"texts"`
	Log      LogConfig       `json:"log"`
	// ReleaseMemory returns freed memory to the OS after every detection
	ReleaseMemory bool `json:"release_memory"`
}

// ModelsConfig describes the weight directory and per-model defaults
type ModelsConfig struct {
	Dir        string   `json:"dir"`
	Extensions []string `json:"extensions"`
	// Defaults are applied by position in the sorted model list
	Defaults   []types.ModelDefaults `json:"defaults"`
	InputSizes []int                 `json:"input_sizes"`
}

// BackendConfig selects and configures the detector backend
type BackendConfig struct {
	Kind           string       `json:"kind"`
	InferenceURL   string       `json:"inference_url"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	OpenCV         OpenCVConfig `json:"opencv"`
	VLM            VLMConfig    `json:"vlm"`
}

// OpenCVConfig configures the OpenCV DNN backend
type OpenCVConfig struct {
	ClassNames []string `json:"class_names"`
	UseCUDA    bool     `json:"use_cuda"`
}

// VLMConfig configures the vision-language model backend
type VLMConfig struct {
	Provider string `json:"provider"` // ollama or llamacpp
	URL      string `json:"url"`
	// Model is the served model name; weight files only select the entry
	Model  string `json:"model"`
	Prompt string `json:"prompt,omitempty"`
}

// ServerConfig configures the HTTP host
type ServerConfig struct {
	Listen      string `json:"listen"`
	MaxUploadMB int    `json:"max_upload_mb"`
}

// StoreConfig configures session storage
type StoreConfig struct {
	Kind       string `json:"kind"`
	RedisAddr  string `json:"redis_addr"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// TelegramConfig configures the chat host
type TelegramConfig struct {
	Token string `json:"token"`
	Debug bool   `json:"debug"`
}

// Texts are the user-facing strings
type Texts struct {
	Name          string `json:"name"`
	Title         string `json:"title"`
	Welcome       string `json:"welcome"`
	ModelHelp     string `json:"model_help"`
	InputSizeHelp string `json:"input_size_help"`
	LabelsHelp    string `json:"labels_help"`
	ConfHelp      string `json:"conf_help"`
	NMSHelp       string `json:"nms_help"`
	DownloadHelp  string `json:"download_help"`
	// Success is formatted with the detection count
	Success string `json:"success"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Dir:        "./models",
			Extensions: []string{".pt", ".onnx"},
			Defaults: []types.ModelDefaults{
				{InputSize: 768, Confidence: 0.20},
				{InputSize: 1024, Confidence: 0.35},
			},
			InputSizes: []int{640, 768, 1024, 1280},
		},
		Backend: BackendConfig{
			Kind:           BackendServer,
			InferenceURL:   "http://localhost:8000",
			TimeoutSeconds: 120,
			VLM: VLMConfig{
				Provider: "ollama",
				URL:      "http://localhost:11434",
				Model:    "qwen2.5vl",
			},
		},
		Geometry: geometry.DefaultConfig(),
		Overlay: func() overlay.Config {
			c := overlay.DefaultConfig()
			c.LogoPath = "./img/logo.png"
			c.FontPath = "./fonts/DejaVuSansMono.ttf"
			return c
		}(),
		Server: ServerConfig{
			Listen:      ":8080",
			MaxUploadMB: 32,
		},
		Store: StoreConfig{
			Kind:       StoreMemory,
			RedisAddr:  "localhost:6379",
			Prefix:     "dish:session:",
			TTLSeconds: 3600,
		},
		Texts: Texts{
			Name:          "Dish Counter",
			Title:         "Specimen colony counter",
			Welcome:       "Upload or capture a photo of a dish, select a square region and run detection.",
			ModelHelp:     "Select the model to use",
			InputSizeHelp: "Larger input sizes detect finer detail",
			LabelsHelp:    "Toggle class labels on the boxes",
			ConfHelp:      "Minimum confidence for a detection to be kept",
			NMSHelp:       "IoU threshold for non-maximum suppression",
			DownloadHelp:  "Download the annotated result",
			Success:       "Detected %d objects",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ReleaseMemory: true,
	}
}

// Load reads .env, the optional JSON file at filename and environment
// overrides, in that order of increasing precedence, then validates.
func Load(filename string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if filename != "" && utils.FileExists(filename) {
		loaded, err := LoadFromFile(filename)
		if err != nil {
			return nil, &ConfigurationError{Msg: "load " + filename, Err: err}
		}
		cfg = loaded
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Msg: "invalid configuration", Err: err}
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set("DISH_MODEL_DIR", &c.Models.Dir)
	set("DISH_BACKEND", &c.Backend.Kind)
	set("DISH_INFERENCE_URL", &c.Backend.InferenceURL)
	set("DISH_LISTEN", &c.Server.Listen)
	set("TELEGRAM_TOKEN", &c.Telegram.Token)
	set("DISH_LOG_LEVEL", &c.Log.Level)

	if v := strings.TrimSpace(getenv("DISH_REDIS_ADDR")); v != "" {
		c.Store.RedisAddr = v
		c.Store.Kind = StoreRedis
	}
	if v := strings.TrimSpace(getenv("DISH_OLLAMA_URL")); v != "" {
		c.Backend.VLM.Provider = "ollama"
		c.Backend.VLM.URL = v
	}
	if v := strings.TrimSpace(getenv("DISH_LLAMACPP_URL")); v != "" {
		c.Backend.VLM.Provider = "llamacpp"
		c.Backend.VLM.URL = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Models.Dir == "" {
		return fmt.Errorf("models.dir cannot be empty")
	}
	if len(c.Models.Extensions) == 0 {
		return fmt.Errorf("models.extensions cannot be empty")
	}
	if len(c.Models.InputSizes) == 0 {
		return fmt.Errorf("models.input_sizes cannot be empty")
	}
	for _, s := range c.Models.InputSizes {
		if s <= 0 || s%32 != 0 {
			return fmt.Errorf("models.input_sizes must be positive multiples of 32, got %d", s)
		}
	}

	switch c.Backend.Kind {
	case BackendServer:
		if c.Backend.InferenceURL == "" {
			return fmt.Errorf("backend.inference_url is required for the server backend")
		}
	case BackendOpenCV:
	case BackendVLM:
		if !slices.Contains([]string{"ollama", "llamacpp"}, c.Backend.VLM.Provider) {
			return fmt.Errorf("backend.vlm.provider must be ollama or llamacpp")
		}
		if c.Backend.VLM.Model == "" {
			return fmt.Errorf("backend.vlm.model cannot be empty")
		}
	default:
		return fmt.Errorf("backend.kind must be one of server, opencv, vlm")
	}

	if c.Geometry.JPEGQuality < 1 || c.Geometry.JPEGQuality > 100 {
		return fmt.Errorf("geometry.jpeg_quality must be between 1 and 100")
	}
	if c.Geometry.PreviewMaxSize < 1 || c.Geometry.MaxInputSide < 1 || c.Geometry.ExportSide < 1 {
		return fmt.Errorf("geometry sizes must be positive")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("store.kind must be memory or redis")
	}
	if c.Store.TTLSeconds < 1 {
		return fmt.Errorf("store.ttl_seconds must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "dish-counter", "config.json")
}
