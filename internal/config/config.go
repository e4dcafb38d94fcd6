package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultDriveAPIURL    = "https://www.googleapis.com/drive/v2"
	DefaultDriveUploadURL = "https://www.googleapis.com/upload/drive/v2"
	DefaultTokenURL       = "https://accounts.google.com/o/oauth2/token"

	// ChunkGranularity is the unit every resumable chunk size must be a multiple of.
	ChunkGranularity int64 = 512 * 1024
	// S3MinPartSize is the smallest multipart part S3 accepts.
	S3MinPartSize int64 = 5 * 1024 * 1024

	DefaultChunkSize          int64 = 20 * ChunkGranularity // 10 MiB
	DefaultLargeFileThreshold int64 = 30 * 1024 * 1024
	DefaultMaxRetries               = 10
	DefaultChunkRetries             = 5
	DefaultWorkers                  = 2
	DefaultShutdownGrace            = 2 * time.Second
	DefaultRequestsPerSecond        = 10.0
)

// Config represents the main configuration for driveup.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Remote     RemoteConfig     `toml:"remote"`
	Auth       AuthConfig       `toml:"auth"`
	Proxy      ProxyConfig      `toml:"proxy"`
	Transfer   TransferConfig   `toml:"transfer"`
	Database   DatabaseConfig   `toml:"database"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	Jobs       []JobConfig      `toml:"jobs"`
}

// RemoteConfig represents configuration for the remote store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "drive", "s3", "filesystem" or "memory"

	// Drive-specific fields (only used when Type == "drive")
	APIURL            string  `toml:"api_url,omitempty"`
	UploadURL         string  `toml:"upload_url,omitempty"`
	RequestsPerSecond float64 `toml:"requests_per_second,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static keys; the default AWS credential chain is used when empty.
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// AuthConfig holds the OAuth client and where its tokens are stored.
type AuthConfig struct {
	ClientID        string           `toml:"client_id"`
	ClientSecret    string           `toml:"client_secret"`
	TokenURL        string           `toml:"token_url,omitempty"`
	CredentialsPath string           `toml:"credentials_path"`
	Encryption      EncryptionConfig `toml:"encryption"`
}

// EncryptionConfig selects how the credentials file is protected at rest.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" or "age"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// ProxyConfig is an optional HTTP proxy for all remote traffic.
type ProxyConfig struct {
	Active   bool   `toml:"active"`
	Host     string `toml:"host,omitempty"`
	Port     int    `toml:"port,omitempty"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

// URL returns the proxy URL, or "" when the proxy is not active.
func (p ProxyConfig) URL() string {
	if !p.Active || p.Host == "" {
		return ""
	}
	u := &url.URL{Scheme: "http", Host: p.Host}
	if p.Port > 0 {
		u.Host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// TransferConfig tunes uploads and retries.
type TransferConfig struct {
	TempDir            string   `toml:"temp_dir"`
	MaxRetries         int      `toml:"max_retries"`
	ChunkRetries       int      `toml:"chunk_retries"`
	LargeFileThreshold int64    `toml:"large_file_threshold"`
	ChunkSize          int64    `toml:"chunk_size"`
	Workers            int      `toml:"workers"`
	ShutdownGrace      Duration `toml:"shutdown_grace"`
}

// DatabaseConfig represents configuration for the run history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// JobConfig is a named local-to-remote mirror run by "driveup sync --all".
type JobConfig struct {
	Name          string `toml:"name"`
	Source        string `toml:"source"`
	Destination   string `toml:"destination,omitempty"`
	DestinationID string `toml:"destination_id,omitempty"`
	Overwrite     bool   `toml:"overwrite"`
}

// Duration is a time.Duration written as a string such as "2s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	cfg := &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Remote:  RemoteConfig{Type: "drive"},
		Auth: AuthConfig{
			CredentialsPath: filepath.Join(baseDir, "credentials"),
			Encryption: EncryptionConfig{
				Type:           "none",
				PublicKeyPath:  filepath.Join(baseDir, "keys", "driveup.pub"),
				PrivateKeyPath: filepath.Join(baseDir, "keys", "driveup.key"),
			},
		},
		Transfer: TransferConfig{TempDir: filepath.Join(baseDir, "tmp")},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Remote.Type == "drive" {
		if c.Remote.APIURL == "" {
			c.Remote.APIURL = DefaultDriveAPIURL
		}
		if c.Remote.UploadURL == "" {
			c.Remote.UploadURL = DefaultDriveUploadURL
		}
		if c.Remote.RequestsPerSecond == 0 {
			c.Remote.RequestsPerSecond = DefaultRequestsPerSecond
		}
	}
	if c.Auth.TokenURL == "" {
		c.Auth.TokenURL = DefaultTokenURL
	}
	if c.Auth.Encryption.Type == "" {
		c.Auth.Encryption.Type = "none"
	}

	t := &c.Transfer
	if t.TempDir == "" && c.BaseDir != "" {
		t.TempDir = filepath.Join(c.BaseDir, "tmp")
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.ChunkRetries == 0 {
		t.ChunkRetries = DefaultChunkRetries
	}
	if t.LargeFileThreshold == 0 {
		t.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if t.ChunkSize == 0 {
		t.ChunkSize = DefaultChunkSize
		if c.Remote.Type == "s3" && t.ChunkSize < S3MinPartSize {
			t.ChunkSize = S3MinPartSize
		}
	}
	if t.Workers == 0 {
		t.Workers = DefaultWorkers
	}
	if t.ShutdownGrace.Duration == 0 {
		t.ShutdownGrace.Duration = DefaultShutdownGrace
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Remote.Type {
	case "drive":
		if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
			return errors.New("drive remote requires auth.client_id and auth.client_secret")
		}
		if c.Auth.CredentialsPath == "" {
			return errors.New("drive remote requires auth.credentials_path")
		}
	case "s3":
		if c.Remote.S3Bucket == "" {
			return errors.New("s3 remote requires s3_bucket to be set")
		}
		if c.Transfer.ChunkSize < S3MinPartSize {
			return fmt.Errorf("s3 remote requires chunk_size of at least %d bytes", S3MinPartSize)
		}
	case "filesystem":
		if c.Remote.FSRoot == "" {
			return errors.New("filesystem remote requires fs_root to be set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown remote type: %s", c.Remote.Type)
	}

	switch c.Auth.Encryption.Type {
	case "none":
	case "age":
		if c.Auth.Encryption.PublicKeyPath == "" || c.Auth.Encryption.PrivateKeyPath == "" {
			return errors.New("age encryption requires public_key_path and private_key_path")
		}
	default:
		return fmt.Errorf("unknown encryption type: %s", c.Auth.Encryption.Type)
	}

	if c.Proxy.Active && c.Proxy.Host == "" {
		return errors.New("active proxy requires a host")
	}

	t := c.Transfer
	if t.ChunkSize <= 0 || t.ChunkSize%ChunkGranularity != 0 {
		return fmt.Errorf("chunk_size must be a positive multiple of %d bytes, got %d", ChunkGranularity, t.ChunkSize)
	}
	if t.LargeFileThreshold <= 0 {
		return fmt.Errorf("large_file_threshold must be positive, got %d", t.LargeFileThreshold)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", t.MaxRetries)
	}
	if t.ChunkRetries <= 0 {
		return fmt.Errorf("chunk_retries must be positive, got %d", t.ChunkRetries)
	}
	if t.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", t.Workers)
	}
	if t.TempDir == "" {
		return errors.New("transfer.temp_dir is required")
	}

	names := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job %d has no name", i+1)
		}
		if names[job.Name] {
			return fmt.Errorf("duplicate job name: %s", job.Name)
		}
		names[job.Name] = true
		if job.Source == "" {
			return fmt.Errorf("job %s has no source", job.Name)
		}
		if job.Destination == "" && job.DestinationID == "" {
			return fmt.Errorf("job %s needs a destination or destination_id", job.Name)
		}
	}
	return nil
}

// Job returns the job called name.
func (c *Config) Job(name string) (JobConfig, bool) {
	for _, job := range c.Jobs {
		if job.Name == name {
			return job, true
		}
	}
	return JobConfig{}, false
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and fills in defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to path. The file may hold the OAuth client
// secret, so it is created owner-only.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
