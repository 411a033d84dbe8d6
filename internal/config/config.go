package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Dispatch config
	Workers           int
	QueueSize         int
	DeviceConcurrency int
	RetryMaxAttempts  int      // 1 disables retries
	Platforms         []string // platforms to register at startup
	DefaultFallback   []string // fallback chain when a device platform is unavailable

	// APNs config
	APNSKeyFile string
	APNSKeyID   string
	APNSTeamID  string
	APNSTopic   string
	APNSSandbox bool

	// FCM config
	FCMCredentialsFile string
	FCMProjectID       string

	// WNS config
	WNSPackageSID   string
	WNSClientSecret string

	// Web Push config
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string // mailto: contact for push services

	// MQTT config
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTQoS       int
	MQTTRetain    bool

	// Simulation config
	SimSuccessRate float64
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "fleetpush",
		DBPassword: "",
		DBName:     "fleetpush",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		// Dispatch defaults
		Workers:           4,
		QueueSize:         256,
		DeviceConcurrency: 8,
		RetryMaxAttempts:  1,
		Platforms:         []string{"simulation"},
		DefaultFallback:   []string{"simulation"},

		MQTTClientID:   "fleetpush",
		MQTTQoS:        1,
		SimSuccessRate: 1.0,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Dispatch config
	if workers := os.Getenv("WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil || w < 1 {
			return nil, fmt.Errorf("invalid WORKERS: %q", workers)
		}
		cfg.Workers = w
	}

	if size := os.Getenv("QUEUE_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil || s < 1 {
			return nil, fmt.Errorf("invalid QUEUE_SIZE: %q", size)
		}
		cfg.QueueSize = s
	}

	if conc := os.Getenv("DEVICE_CONCURRENCY"); conc != "" {
		c, err := strconv.Atoi(conc)
		if err != nil || c < 1 {
			return nil, fmt.Errorf("invalid DEVICE_CONCURRENCY: %q", conc)
		}
		cfg.DeviceConcurrency = c
	}

	if attempts := os.Getenv("RETRY_MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil || a < 1 {
			return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %q", attempts)
		}
		cfg.RetryMaxAttempts = a
	}

	if platforms := os.Getenv("PLATFORMS"); platforms != "" {
		cfg.Platforms = splitList(platforms)
	}

	if fallback := os.Getenv("DEFAULT_FALLBACK"); fallback != "" {
		cfg.DefaultFallback = splitList(fallback)
	}

	// APNs config
	if file := os.Getenv("APNS_KEY_FILE"); file != "" {
		cfg.APNSKeyFile = file
	}
	if id := os.Getenv("APNS_KEY_ID"); id != "" {
		cfg.APNSKeyID = id
	}
	if id := os.Getenv("APNS_TEAM_ID"); id != "" {
		cfg.APNSTeamID = id
	}
	if topic := os.Getenv("APNS_TOPIC"); topic != "" {
		cfg.APNSTopic = topic
	}
	if sandbox := os.Getenv("APNS_SANDBOX"); sandbox != "" {
		b, err := strconv.ParseBool(sandbox)
		if err != nil {
			return nil, fmt.Errorf("invalid APNS_SANDBOX: %w", err)
		}
		cfg.APNSSandbox = b
	}

	// FCM config
	if file := os.Getenv("FCM_CREDENTIALS_FILE"); file != "" {
		cfg.FCMCredentialsFile = file
	}
	if id := os.Getenv("FCM_PROJECT_ID"); id != "" {
		cfg.FCMProjectID = id
	}

	// WNS config
	if sid := os.Getenv("WNS_PACKAGE_SID"); sid != "" {
		cfg.WNSPackageSID = sid
	}
	if secret := os.Getenv("WNS_CLIENT_SECRET"); secret != "" {
		cfg.WNSClientSecret = secret
	}

	// Web Push config
	if key := os.Getenv("VAPID_PUBLIC_KEY"); key != "" {
		cfg.VAPIDPublicKey = key
	}
	if key := os.Getenv("VAPID_PRIVATE_KEY"); key != "" {
		cfg.VAPIDPrivateKey = key
	}
	if sub := os.Getenv("VAPID_SUBSCRIBER"); sub != "" {
		cfg.VAPIDSubscriber = sub
	}

	// MQTT config
	if url := os.Getenv("MQTT_BROKER_URL"); url != "" {
		cfg.MQTTBrokerURL = url
	}
	if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
		cfg.MQTTClientID = id
	}
	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		cfg.MQTTUsername = user
	}
	if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
		cfg.MQTTPassword = pass
	}
	if qos := os.Getenv("MQTT_QOS"); qos != "" {
		q, err := strconv.Atoi(qos)
		if err != nil || q < 0 || q > 2 {
			return nil, fmt.Errorf("invalid MQTT_QOS: %q", qos)
		}
		cfg.MQTTQoS = q
	}
	if retain := os.Getenv("MQTT_RETAIN"); retain != "" {
		b, err := strconv.ParseBool(retain)
		if err != nil {
			return nil, fmt.Errorf("invalid MQTT_RETAIN: %w", err)
		}
		cfg.MQTTRetain = b
	}

	// Simulation config
	if rate := os.Getenv("SIM_SUCCESS_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil || r <= 0 || r > 1 {
			return nil, fmt.Errorf("invalid SIM_SUCCESS_RATE: %q", rate)
		}
		cfg.SimSuccessRate = r
	}

	return cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
