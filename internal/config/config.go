package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Config centralizes runtime settings for the scheduler worker.
type Config struct {
	WorkerID string

	RedisURL    string
	DatabaseURL string

	APIServiceURL     string
	BrowserServiceURL string
	LLMServiceURL     string
	DataStorageURL    string
	DashboardURL      string
	InternalAPIKey    string

	MailAPIKey      string
	MailAPIBaseURL  string
	MailFromAddress string

	MaxConcurrentJobs    int
	MaxConcurrentSources int
	JobBatchSize         int

	TickSeconds         int
	RenotifyTickSeconds int

	ScrapeTimeoutMS    int
	AnalyzeTimeoutMS   int
	StoreTimeoutMS     int
	TelemetryTimeoutMS int
	NotifyTimeoutMS    int

	ScrapeWaitTime    int
	AnalysisMaxTokens int
	AnalysisModel     string

	DispatchRatePerSecond float64
	DispatchBurst         int

	TelemetryVerbose bool
}

func Load() Config {
	return Config{
		WorkerID: getEnv("WORKER_ID", defaultWorkerID()),

		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		APIServiceURL:     getEnv("API_SERVICE_URL", "http://localhost:8000"),
		BrowserServiceURL: getEnv("BROWSER_SERVICE_URL", "http://localhost:8001"),
		LLMServiceURL:     getEnv("LLM_SERVICE_URL", "http://localhost:8002"),
		DataStorageURL:    getEnv("DATA_STORAGE_URL", "http://localhost:8004"),
		DashboardURL:      getEnv("DASHBOARD_URL", "http://localhost:3000"),
		InternalAPIKey:    getEnv("INTERNAL_API_KEY", ""),

		MailAPIKey:      getEnv("MAIL_API_KEY", ""),
		MailAPIBaseURL:  getEnv("MAIL_API_BASE_URL", "https://api.sendgrid.com"),
		MailFromAddress: getEnv("MAIL_FROM_ADDRESS", "alerts@localhost"),

		MaxConcurrentJobs:    getEnvInt("MAX_CONCURRENT_JOBS", 50),
		MaxConcurrentSources: getEnvInt("MAX_CONCURRENT_SOURCES", 10),
		JobBatchSize:         getEnvInt("JOB_BATCH_SIZE", 100),

		TickSeconds:         getEnvInt("SCHEDULER_TICK_SECONDS", 30),
		RenotifyTickSeconds: getEnvInt("RENOTIFY_TICK_SECONDS", 60),

		ScrapeTimeoutMS:    getEnvInt("SCRAPE_TIMEOUT_MS", 60000),
		AnalyzeTimeoutMS:   getEnvInt("ANALYZE_TIMEOUT_MS", 30000),
		StoreTimeoutMS:     getEnvInt("STORE_TIMEOUT_MS", 10000),
		TelemetryTimeoutMS: getEnvInt("TELEMETRY_TIMEOUT_MS", 5000),
		NotifyTimeoutMS:    getEnvInt("NOTIFY_TIMEOUT_MS", 10000),

		ScrapeWaitTime:    getEnvInt("SCRAPE_WAIT_TIME", 3),
		AnalysisMaxTokens: getEnvInt("ANALYSIS_MAX_TOKENS", 1000),
		AnalysisModel:     getEnv("ANALYSIS_MODEL", ""),

		DispatchRatePerSecond: getEnvFloat("DISPATCH_RATE_PER_SECOND", 5),
		DispatchBurst:         getEnvInt("DISPATCH_BURST", 10),

		TelemetryVerbose: getEnvBool("TELEMETRY_VERBOSE", false),
	}
}

func defaultWorkerID() string {
	return strings.Split(uuid.NewString(), "-")[0]
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
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

func getEnvFloat(key string, fallback float64) float64 {
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

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
