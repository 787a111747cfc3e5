package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration values.
type Config struct {
	Port           string
	LogLevel       string // e.g., "debug", "info", "warn", "error"
	RequestTimeout time.Duration

	// Job store files (plain JSON, human-inspectable)
	JobsFile    string
	HistoryFile string

	// Local execution
	RunnerCommand     string // framework CLI, e.g. "npx wdio"
	AndroidConfigFile string
	IOSConfigFile     string
	ResultsDir        string // directory the framework writes raw results into
	ReportsDir        string // per-job report output lives under here
	ReportCommand     string // report generator CLI, e.g. "allure"

	// Remote device lab
	Lab_BaseURL      string
	Lab_Project      string
	Lab_DevicePool   string // default pool, overridden per request by the device reference
	TestSpecTemplate string // base test-spec template path, optional
	PackageCommand   string // command that bundles test code for upload
	PackageOutput    string // bundle file the package command produces

	// Object storage (report cache)
	MinIO_Endpoint   string
	MinIO_AccessKey  string
	MinIO_SecretKey  string
	MinIO_UseSSL     bool
	MinIO_BucketName string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Helper to get env var with default
	getenv := func(key, fallback string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return fallback
	}

	// Helper to get bool env var
	getenvBool := func(key string, fallback bool) bool {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := strconv.ParseBool(valueStr)
			if err == nil {
				return value
			}
		}
		return fallback
	}

	// Helper to get duration env var
	getenvDuration := func(key string, fallback time.Duration) time.Duration {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := time.ParseDuration(valueStr)
			if err == nil {
				return value
			}
		}
		return fallback
	}

	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 15*time.Second),

		JobsFile:    getenv("JOBS_FILE", "data/jobs.json"),
		HistoryFile: getenv("HISTORY_FILE", "data/history.json"),

		RunnerCommand:     getenv("RUNNER_COMMAND", "npx wdio"),
		AndroidConfigFile: getenv("ANDROID_CONFIG_FILE", "config/wdio.android.conf.ts"),
		IOSConfigFile:     getenv("IOS_CONFIG_FILE", "config/wdio.ios.conf.ts"),
		ResultsDir:        getenv("RESULTS_DIR", "allure-results"),
		ReportsDir:        getenv("REPORTS_DIR", "reports"),
		ReportCommand:     getenv("REPORT_COMMAND", "allure"),

		Lab_BaseURL:      getenv("LAB_BASE_URL", "http://localhost:4723/lab"),
		Lab_Project:      getenv("LAB_PROJECT", ""),
		Lab_DevicePool:   getenv("LAB_DEVICE_POOL", ""),
		TestSpecTemplate: getenv("TEST_SPEC_TEMPLATE", ""),
		PackageCommand:   getenv("PACKAGE_COMMAND", "npm run bundle:tests"),
		PackageOutput:    getenv("PACKAGE_OUTPUT", "test-bundle.zip"),

		MinIO_Endpoint:   getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinIO_AccessKey:  getenv("MINIO_ACCESS_KEY", ""), // Must be set in .env
		MinIO_SecretKey:  getenv("MINIO_SECRET_KEY", ""), // Must be set in .env
		MinIO_UseSSL:     getenvBool("MINIO_USE_SSL", false),
		MinIO_BucketName: getenv("MINIO_BUCKET_NAME", "test-reports"),
	}

	return cfg, nil
}
