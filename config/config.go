package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server ServerConfig
	WebRTC WebRTCConfig
	Redis  RedisConfig
	Client ClientConfig
}

// ServerConfig holds HTTP server settings for the relay.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// WebRTCConfig holds STUN/TURN ICE server URLs.
type WebRTCConfig struct {
	ICEUrls []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
}

// RedisConfig holds the optional event-mirror connection. Empty Addr disables
// the mirror entirely.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClientConfig holds settings for the broadcaster and viewer CLIs.
type ClientConfig struct {
	ServerURL         string // relay websocket endpoint
	VideoFile         string // IVF (VP8) file; empty = silent test tracks
	AudioFile         string // Ogg (Opus) file
	NegotiationTimeout int   // seconds; 0 disables handshake deadlines
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Client: ClientConfig{
			ServerURL:          getEnv("SIGNALING_URL", "ws://localhost:8080/ws"),
			VideoFile:          getEnv("VIDEO_FILE", ""),
			AudioFile:          getEnv("AUDIO_FILE", ""),
			NegotiationTimeout: getEnvInt("NEGOTIATION_TIMEOUT_SEC", 15),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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
