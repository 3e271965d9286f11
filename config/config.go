package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds capture agent configuration loaded from environment.
type Config struct {
	Agent      AgentConfig
	MediaStore MediaStoreConfig
	Upload     UploadConfig
	Device     DeviceConfig
	Recording  RecordingConfig
	Redis      RedisConfig
	AWS        AWSConfig
	Minio      MinioConfig
	OAuth      OAuthConfig
	Log        LogConfig
}

// AgentConfig holds the local control API settings.
type AgentConfig struct {
	Addr               string // listen address; keep it on loopback
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// MediaStoreConfig selects and addresses the remote store that receives uploads.
type MediaStoreConfig struct {
	Backend string // "http" (multipart POST), "s3" or "minio"
	URL     string // base URL, e.g. http://localhost:5000
	Token   string // static bearer credential used by the CLI; the agent takes it per session
}

// UploadConfig holds transfer limits.
type UploadConfig struct {
	Timeout  time.Duration
	MaxBytes int64 // ceiling enforced by the validation gate for selected files
}

// DeviceConfig describes the capture hardware and its exclusivity lock.
type DeviceConfig struct {
	VideoDevice  string // e.g. /dev/video0
	AudioDevice  string // ALSA device, e.g. default
	Width        int
	Height       int
	FrameRate    int
	AudioEnabled bool
	LockPath     string // advisory lock shared by every process on this host
	StopTimeout  time.Duration
}

// RecordingConfig holds live capture encoder settings.
type RecordingConfig struct {
	Codecs       []string // negotiation order, primary first (e.g. vp9,vp8)
	MaxDuration  time.Duration
	SegmentBytes int
	FFmpegPath   string
}

// RedisConfig holds Redis connection settings for session event fan-out.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the bucket used by the s3 media store backend.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// MinioConfig addresses a self-hosted S3-compatible store for the minio backend.
type MinioConfig struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// OAuthConfig enables a client-credentials token source as the auth provider.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Enabled reports whether enough settings exist to build a token source.
func (c OAuthConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TokenURL != ""
}

// LogConfig controls zap level and optional rotated file output.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Agent: AgentConfig{
			Addr:               getEnv("AGENT_ADDR", "127.0.0.1:8765"),
			ReadTimeout:        getEnvDuration("AGENT_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:       getEnvDuration("AGENT_WRITE_TIMEOUT", 0),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
		},
		MediaStore: MediaStoreConfig{
			Backend: strings.ToLower(getEnv("MEDIA_STORE_BACKEND", "http")),
			URL:     strings.TrimRight(getEnv("MEDIA_STORE_URL", "http://localhost:5000"), "/"),
			Token:   getEnv("MEDIA_STORE_TOKEN", ""),
		},
		Upload: UploadConfig{
			Timeout:  getEnvDuration("UPLOAD_TIMEOUT", 30*time.Minute),
			MaxBytes: getEnvInt64("UPLOAD_MAX_BYTES", 100*1024*1024),
		},
		Device: DeviceConfig{
			VideoDevice:  getEnv("DEVICE_VIDEO", "/dev/video0"),
			AudioDevice:  getEnv("DEVICE_AUDIO", "default"),
			Width:        getEnvInt("DEVICE_WIDTH", 1280),
			Height:       getEnvInt("DEVICE_HEIGHT", 720),
			FrameRate:    getEnvInt("DEVICE_FRAMERATE", 30),
			AudioEnabled: getEnvBool("DEVICE_AUDIO_ENABLED", true),
			LockPath:     getEnv("DEVICE_LOCK_PATH", defaultLockPath()),
			StopTimeout:  getEnvDuration("DEVICE_STOP_TIMEOUT", 5*time.Second),
		},
		Recording: RecordingConfig{
			Codecs:       splitTrim(getEnv("RECORDING_CODECS", "vp9,vp8"), ","),
			MaxDuration:  getEnvDuration("RECORDING_MAX_DURATION", 10*time.Minute),
			SegmentBytes: getEnvInt("RECORDING_SEGMENT_BYTES", 256*1024),
			FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "technique-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			Region:    getEnv("MINIO_REGION", ""),
			Bucket:    getEnv("MINIO_BUCKET", "technique-recordings"),
		},
		OAuth: OAuthConfig{
			ClientID:     getEnv("OAUTH_CLIENT_ID", ""),
			ClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
			TokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
			Scopes:       splitTrim(getEnv("OAUTH_SCOPES", ""), ","),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.MediaStore.Backend {
	case "http":
		if c.MediaStore.URL == "" {
			return errors.New("config: MEDIA_STORE_URL is required for the http backend")
		}
	case "s3":
		if c.AWS.RecordingsBucket == "" {
			return errors.New("config: AWS_S3_RECORDINGS_BUCKET is required for the s3 backend")
		}
	case "minio":
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			return errors.New("config: MINIO_ENDPOINT and MINIO_BUCKET are required for the minio backend")
		}
	default:
		return fmt.Errorf("config: unknown MEDIA_STORE_BACKEND %q", c.MediaStore.Backend)
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.New("config: UPLOAD_MAX_BYTES must be positive")
	}
	if len(c.Recording.Codecs) == 0 {
		return errors.New("config: RECORDING_CODECS must list at least one codec")
	}
	if c.Device.Width <= 0 || c.Device.Height <= 0 {
		return errors.New("config: DEVICE_WIDTH and DEVICE_HEIGHT must be positive")
	}
	return nil
}

func defaultLockPath() string {
	return os.TempDir() + string(os.PathSeparator) + "technique-capture-device.lock"
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
