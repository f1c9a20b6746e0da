package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/revelium/splatlab/platform"
)

// Environment variables that override the file. Overrides are applied to the
// in-memory config only and never written back.
const (
	EnvReplicateToken      = "REPLICATE_API_TOKEN"
	EnvModalEndpoint       = "MODAL_ENDPOINT"
	EnvModalStatusEndpoint = "MODAL_STATUS_ENDPOINT"
	EnvS3Bucket            = "SPLATLAB_S3_BUCKET"
	EnvListenAddr          = "SPLATLAB_ADDR"
	EnvAdminPassword       = "SPLATLAB_ADMIN_PASSWORD"
)

// DefaultAdminPassword is used for the first admin account when
// SPLATLAB_ADMIN_PASSWORD is unset.
const DefaultAdminPassword = "admin"

// AdminPassword returns the password for the initial admin account.
func AdminPassword() string {
	if v := os.Getenv(EnvAdminPassword); v != "" {
		return v
	}
	return DefaultAdminPassword
}

// DefaultReplicateVersion is the SDXL inpainting model version.
const DefaultReplicateVersion = "95b7223104132402a9ae91cc677285bc5eb997834bd2349fa486f53910fd68b3"

// Config holds the server, backend, storage and outpaint settings.
type Config struct {
	DBPath        string `json:"dbPath"`
	ListenAddr    string `json:"listenAddr"`
	AllowedOrigin string `json:"allowedOrigin"`
	RequireAuth   bool   `json:"requireAuth"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`

	Storage   StorageConfig   `json:"storage"`
	Modal     ModalConfig     `json:"modal"`
	Replicate ReplicateConfig `json:"replicate"`
	Outpaint  OutpaintConfig  `json:"outpaint"`
	Workers   WorkerConfig    `json:"workers"`
}

// StorageConfig selects where artifacts live. Kind is "local" or "s3".
type StorageConfig struct {
	Kind     string   `json:"kind"`
	LocalDir string   `json:"localDir"`
	S3       S3Config `json:"s3"`
}

type S3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Prefix          string `json:"prefix"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	// PublicBaseURL, when set, is used for artifact URLs instead of /files/.
	PublicBaseURL string `json:"publicBaseUrl"`
	UsePathStyle  bool   `json:"usePathStyle"`
}

// ModalConfig points at the image-to-3D backend.
type ModalConfig struct {
	Endpoint            string `json:"endpoint"`
	StatusEndpoint      string `json:"statusEndpoint"`
	MaxUploadSide       int    `json:"maxUploadSide"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	MaxPollAttempts     int    `json:"maxPollAttempts"`
	DefaultElevation    int    `json:"defaultElevation"`
}

// ReplicateConfig points at the inpainting backend.
type ReplicateConfig struct {
	APIToken        string  `json:"apiToken"`
	BaseURL         string  `json:"baseUrl"`
	Version         string  `json:"version"`
	Steps           int     `json:"steps"`
	GuidanceScale   float64 `json:"guidanceScale"`
	PollIntervalMs  int     `json:"pollIntervalMs"`
	MaxPollAttempts int     `json:"maxPollAttempts"`
	NegativePrompt  string  `json:"negativePrompt"`
}

// OutpaintConfig holds the defaults for outpaint requests that omit them.
type OutpaintConfig struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	ArcDegrees    float64 `json:"arcDegrees"`
	Density       float64 `json:"density"`
	MinBrightness float64 `json:"minBrightness"`
}

// WorkerConfig caps how many jobs of each backend run at once.
type WorkerConfig struct {
	Modal     int `json:"modal"`
	Replicate int `json:"replicate"`
	Local     int `json:"local"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default database path in the platform data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "splatlab.db")
}

// DefaultConfigPath returns the default config.json location.
func DefaultConfigPath() string {
	return filepath.Join(platform.GetDataDir(), "config.json")
}

func defaultConfig() Config {
	return Config{
		DBPath:        DefaultDBPath(),
		ListenAddr:    ":8090",
		AllowedOrigin: "https://lab.revelium.studio",
		JWTSecret:     uuid.New().String(),
		Storage: StorageConfig{
			Kind:     "local",
			LocalDir: platform.GetArtifactDir(),
			S3:       S3Config{Region: "us-east-1", Prefix: "splatlab/"},
		},
		Modal: ModalConfig{
			MaxUploadSide:       1024,
			PollIntervalSeconds: 3,
			MaxPollAttempts:     200,
			DefaultElevation:    20,
		},
		Replicate: ReplicateConfig{
			BaseURL:         "https://api.replicate.com",
			Version:         DefaultReplicateVersion,
			Steps:           20,
			GuidanceScale:   7.5,
			PollIntervalMs:  1000,
			MaxPollAttempts: 120,
			NegativePrompt:  "blurry, low quality, distorted, deformed, text, watermark, signature, frame, border",
		},
		Outpaint: OutpaintConfig{
			Width:         1024,
			Height:        1024,
			ArcDegrees:    180,
			Density:       0.4,
			MinBrightness: 15,
		},
		Workers: WorkerConfig{Modal: 2, Replicate: 2, Local: 2},
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// deepMergeJSON copies src into dst, descending into objects present on both
// sides so keys only dst knows about survive.
func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok || !isJSONObject(existing) || !isJSONObject(v) {
			dst[k] = v
			continue
		}
		var dstObj, srcObj map[string]json.RawMessage
		if json.Unmarshal(existing, &dstObj) != nil || json.Unmarshal(v, &srcObj) != nil {
			dst[k] = v
			continue
		}
		deepMergeJSON(dstObj, srcObj)
		merged, err := json.Marshal(dstObj)
		if err != nil {
			dst[k] = v
			continue
		}
		dst[k] = merged
	}
}

// backfill fills zero fields from def. Outpaint.MinBrightness is left alone
// since 0 is a valid threshold; see hasKey. It reports whether a field that must
// be persisted (the DB path or the JWT secret) was missing.
func backfill(c *Config, def Config) bool {
	needsSave := false
	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.JWTSecret == "" {
		c.JWTSecret = def.JWTSecret
		needsSave = true
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.AllowedOrigin == "" {
		c.AllowedOrigin = def.AllowedOrigin
	}

	if c.Storage.Kind == "" {
		c.Storage.Kind = def.Storage.Kind
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = def.Storage.LocalDir
	}
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = def.Storage.S3.Region
	}

	m, dm := &c.Modal, def.Modal
	if m.MaxUploadSide == 0 {
		m.MaxUploadSide = dm.MaxUploadSide
	}
	if m.PollIntervalSeconds == 0 {
		m.PollIntervalSeconds = dm.PollIntervalSeconds
	}
	if m.MaxPollAttempts == 0 {
		m.MaxPollAttempts = dm.MaxPollAttempts
	}
	if m.DefaultElevation == 0 {
		m.DefaultElevation = dm.DefaultElevation
	}

	r, dr := &c.Replicate, def.Replicate
	if r.BaseURL == "" {
		r.BaseURL = dr.BaseURL
	}
	if r.Version == "" {
		r.Version = dr.Version
	}
	if r.Steps == 0 {
		r.Steps = dr.Steps
	}
	if r.GuidanceScale == 0 {
		r.GuidanceScale = dr.GuidanceScale
	}
	if r.PollIntervalMs == 0 {
		r.PollIntervalMs = dr.PollIntervalMs
	}
	if r.MaxPollAttempts == 0 {
		r.MaxPollAttempts = dr.MaxPollAttempts
	}
	if r.NegativePrompt == "" {
		r.NegativePrompt = dr.NegativePrompt
	}

	o, do := &c.Outpaint, def.Outpaint
	if o.Width == 0 {
		o.Width = do.Width
	}
	if o.Height == 0 {
		o.Height = do.Height
	}
	if o.ArcDegrees == 0 {
		o.ArcDegrees = do.ArcDegrees
	}
	if o.Density == 0 {
		o.Density = do.Density
	}

	w, dw := &c.Workers, def.Workers
	if w.Modal <= 0 {
		w.Modal = dw.Modal
	}
	if w.Replicate <= 0 {
		w.Replicate = dw.Replicate
	}
	if w.Local <= 0 {
		w.Local = dw.Local
	}
	return needsSave
}

// hasKey reports whether the JSON object in data sets a value at path.
func hasKey(data []byte, path ...string) bool {
	for _, k := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return false
		}
		v, ok := obj[k]
		if !ok || string(v) == "null" {
			return false
		}
		data = v
	}
	return true
}

// applyEnv overlays the environment variable overrides onto c.
func applyEnv(c *Config) {
	if v := os.Getenv(EnvReplicateToken); v != "" {
		c.Replicate.APIToken = v
	}
	if v := os.Getenv(EnvModalEndpoint); v != "" {
		c.Modal.Endpoint = v
	}
	if v := os.Getenv(EnvModalStatusEndpoint); v != "" {
		c.Modal.StatusEndpoint = v
	}
	if v := os.Getenv(EnvS3Bucket); v != "" {
		c.Storage.Kind = "s3"
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			v = ":" + v
		}
		c.ListenAddr = v
	}
}

// Load reads config.json from the platform data directory. See LoadFrom.
func Load() (Config, string, error) {
	return LoadFrom(DefaultConfigPath())
}

// LoadFrom reads the config at path and updates the in-memory config. A
// missing file is created with defaults; missing fields are back-filled.
func LoadFrom(path string) (Config, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %w", filepath.Dir(path), err)
	}

	var c Config
	needsSave := false
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		c = defaultConfig()
		needsSave = true
	case err != nil:
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return Config{}, path, fmt.Errorf("failed to parse config JSON: %w", err)
		}
		def := defaultConfig()
		needsSave = backfill(&c, def)
		if !hasKey(data, "outpaint", "minBrightness") {
			c.Outpaint.MinBrightness = def.Outpaint.MinBrightness
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory: %w", err)
	}

	if needsSave {
		if _, err := SaveTo(path, c); err != nil {
			log.Printf("Warning: failed to save updated config: %v", err)
		}
	}

	applyEnv(&c)
	Set(c)
	return c, path, nil
}

// Save writes c to the default config path.
func Save(c Config) (string, error) {
	return SaveTo(DefaultConfigPath(), c)
}

// SaveTo writes c to path, merging into whatever JSON is already there so
// keys this version does not know about are kept.
func SaveTo(path string, c Config) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, err := os.ReadFile(path); err == nil {
		var tmp map[string]json.RawMessage
		if json.Unmarshal(existing, &tmp) == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %w", err)
	}
	deepMergeJSON(base, incoming)

	merged, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, merged, 0600); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}
