package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	TokenSecret   string
	TokenTTL      time.Duration
	CORSOrigin    string
	// Replication
	RelayURL     string
	LWWTolerance time.Duration
	// Helix geometry
	TotalLanes   int
	TimeScale    float64
	BaseRadius   float64
	RadiusGrowth float64
	DepthStep    float64
	TurnRate     float64
	// Redis - offline queue durability
	RedisURL string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Object storage - transcript exports
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8790"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("HELIX_MIGRATIONS_DIR", "./db/migrations"),
		TokenSecret:   getenv("HELIX_TOKEN_SECRET", "helix-dev-secret"),
		TokenTTL:      time.Duration(getenvInt("HELIX_TOKEN_TTL_SECONDS", 86400)) * time.Second,
		CORSOrigin:    getenv("HELIX_CORS_ORIGIN", "*"),
		RelayURL:      getenv("HELIX_RELAY_URL", ""),
		// Tunable heuristic: remote events this far behind the replica's
		// last update are still applied.
		LWWTolerance:   time.Duration(getenvInt("HELIX_LWW_TOLERANCE_MS", 2000)) * time.Millisecond,
		TotalLanes:     getenvInt("HELIX_TOTAL_LANES", 8),
		TimeScale:      getenvFloat("HELIX_TIME_SCALE", 0.5),
		BaseRadius:     getenvFloat("HELIX_BASE_RADIUS", 4.0),
		RadiusGrowth:   getenvFloat("HELIX_RADIUS_GROWTH", 0.02),
		DepthStep:      getenvFloat("HELIX_DEPTH_STEP", 1.5),
		TurnRate:       getenvFloat("HELIX_TURN_RATE", 0.1),
		RedisURL:       getenv("REDIS_URL", ""),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "helix-exports"),
		MinioUseSSL:    getenv("MINIO_USE_SSL", "") == "true",
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
