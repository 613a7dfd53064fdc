package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Upstream agent runtime
	AgentURL          string
	AgentName         string
	AgentReadyTimeout time.Duration
	SocketIdleTimeout time.Duration
	RunTimeout        time.Duration

	// Dashboard (soft dependency)
	DashboardURL        string
	ContextOptimizer    bool
	ContextBudgetTokens int
	ContextFetchTimeout time.Duration

	// Data root for all persisted JSON artifacts
	Home string

	// Session lifecycle
	MaxTurns         int
	DailyResetHour   int
	IdleResetMinutes int

	// Queue
	QueueMode     string // "collect" or "followup"
	MaxQueueSize  int
	QueueDebounce time.Duration

	// Short-term memory
	STMMaxExchanges int
	STMMaxMsgLength int

	// Heartbeat
	HeartbeatInterval       time.Duration
	ActiveHours             string
	Timezone                string
	MaxHeartbeatFailures    int
	ExplorationEnabled      bool
	ExplorationFrequency    int
	ExplorationMaxFetches   int
	ExplorationSummaryWords int

	// Telegram
	TelegramToken        string
	TelegramAllowedUsers []int64

	// NATS (optional turn-event publishing)
	NatsURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Server
	ServerShutdownTimeoutSeconds int

	// Structured settings loaded from the optional config file.
	ToolLabels map[string]string `yaml:"tool_labels"`
}

// AppConfig holds the loaded application configuration.
var AppConfig *Config

// LoadConfig loads .env, environment variables, and the optional YAML
// config file into AppConfig.
func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	home := getEnvOrDefault("MOBYCLAW_HOME", "")
	if home == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, ".mobyclaw")
		} else {
			home = ".mobyclaw"
		}
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "3000"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		AgentURL:          getEnvOrDefault("AGENT_URL", "http://localhost:8787"),
		AgentName:         getEnvOrDefault("AGENT_NAME", "agent"),
		AgentReadyTimeout: getEnvAsDuration("AGENT_READY_TIMEOUT", 120*time.Second),
		SocketIdleTimeout: getEnvAsDuration("SOCKET_IDLE_TIMEOUT", 5*time.Minute),
		RunTimeout:        time.Duration(getEnvAsInt("RUN_TIMEOUT_MS", 600000)) * time.Millisecond,

		DashboardURL:        getEnvOrDefault("DASHBOARD_URL", ""),
		ContextOptimizer:    getEnvOrDefault("CONTEXT_OPTIMIZER", "true") != "false",
		ContextBudgetTokens: getEnvAsInt("CONTEXT_BUDGET_TOKENS", 2000),
		ContextFetchTimeout: getEnvAsDuration("CONTEXT_FETCH_TIMEOUT", 3*time.Second),

		Home: home,

		MaxTurns:         getEnvAsInt("MAX_TURNS", 80),
		DailyResetHour:   getEnvAsInt("DAILY_RESET_HOUR", 4),
		IdleResetMinutes: getEnvAsInt("IDLE_RESET_MINUTES", 0),

		QueueMode:     getEnvOrDefault("QUEUE_MODE", "collect"),
		MaxQueueSize:  getEnvAsInt("MAX_QUEUE_SIZE", 20),
		QueueDebounce: time.Duration(getEnvAsInt("QUEUE_DEBOUNCE_MS", 1000)) * time.Millisecond,

		STMMaxExchanges: getEnvAsInt("STM_MAX_EXCHANGES", 20),
		STMMaxMsgLength: getEnvAsInt("STM_MAX_MSG_LENGTH", 1500),

		HeartbeatInterval:       getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Minute),
		ActiveHours:             getEnvOrDefault("ACTIVE_HOURS", "07:00-23:00"),
		Timezone:                getEnvOrDefault("TZ", ""),
		MaxHeartbeatFailures:    getEnvAsInt("MAX_HEARTBEAT_FAILURES", 2),
		ExplorationEnabled:      getEnvOrDefault("EXPLORATION_ENABLED", "true") != "false",
		ExplorationFrequency:    getEnvAsInt("EXPLORATION_FREQUENCY", 4),
		ExplorationMaxFetches:   getEnvAsInt("EXPLORATION_MAX_FETCHES", 1),
		ExplorationSummaryWords: getEnvAsInt("EXPLORATION_SUMMARY_WORDS", 300),

		TelegramToken:        getEnvOrDefault("TELEGRAM_BOT_TOKEN", ""),
		TelegramAllowedUsers: parseInt64List(getEnvOrDefault("TELEGRAM_ALLOWED_USERS", "")),

		NatsURL: getEnvOrDefault("NATS_URL", ""),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	// Load structured settings from the optional configuration file. These
	// are settings that should not come from environment variables, like
	// the Telegram tool label table.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Printf("No config file at %s, using defaults", configFilePath)
		return
	}
	defer configFile.Close()

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	if AppConfig.TelegramToken != "" {
		log.Println("Telegram adapter enabled with token")
	}
}

// LoadConfigFile decodes YAML settings from reader into config.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func parseInt64List(value string) []int64 {
	if value == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		} else {
			log.Printf("Warning: Failed to parse allowed user id '%s': %v", part, err)
		}
	}
	return out
}
