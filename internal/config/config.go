package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Store struct {
	Driver     string // memory, postgres or sqlite
	SQLitePath string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. http://nsqd:4151, used for backlog stats
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	DeliveriesTopic string // NSQ topic for webhook deliveries
	DLQTopic        string // Dead letter topic
	WorkerChannel   string // NSQ channel name for workers
}

type Dispatch struct {
	QueueDriver    string        // memory (in-process scheduler) or nsq
	MaxAttempts    int           // Tries per delivery before it fails
	BackoffBase    time.Duration // Backoff base; the first retry waits twice this
	BackoffCap     time.Duration // Upper bound on any retry delay
	JitterPercent  float64       // Backoff jitter fraction (0.0-1.0)
	AttemptTimeout time.Duration // Timeout for one HTTP try
	Workers        int           // Concurrent tries in the in-process scheduler
	PublishDLQ     bool          // Whether to publish failed deliveries to the DLQ topic
	WorkerHTTPPort string        // Worker HTTP metrics port
}

type Auth struct {
	PublicKeyPEM string
	JWKSURL      string // used when PublicKeyPEM is empty
	Issuer       string
	Audience     string
	Disabled     bool // accept X-Owner-Id without a token, local development only
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8000
	GRPCPort     string // :50051
	CatalogPath  string
	CORSOrigins  []string // browser origins allowed to call the REST API; empty disables CORS
	DB           DB
	Store        Store
	NSQ          NSQ
	Dispatch     Dispatch
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma-separated value, dropping blanks. "none" yields an empty list.
func getenvList(key, def string) []string {
	v := getenv(key, def)
	if strings.EqualFold(strings.TrimSpace(v), "none") {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// port accepts "8083" or ":8083".
func port(v string) string {
	if strings.HasPrefix(v, ":") {
		return v
	}
	return ":" + v
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "hookrelay"),
		HTTPPort:    port(getenv("HTTP_PORT", ":8000")),
		GRPCPort:    port(getenv("GRPC_PORT", ":50051")),
		CatalogPath: getenv("CATALOG_PATH", ""),
		CORSOrigins: getenvList("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookrelay"),
		},
		Store: Store{
			Driver:     strings.ToLower(getenv("STORE_DRIVER", "memory")),
			SQLitePath: getenv("SQLITE_PATH", "hookrelay.db"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "http://nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			DeliveriesTopic: getenv("NSQ_DELIVERIES_TOPIC", "deliveries"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Dispatch: Dispatch{
			QueueDriver:    strings.ToLower(getenv("QUEUE_DRIVER", "memory")),
			MaxAttempts:    getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:    getenvDuration("BACKOFF_BASE", time.Second),
			BackoffCap:     getenvDuration("BACKOFF_CAP", time.Minute),
			JitterPercent:  getenvFloat("BACKOFF_JITTER_PCT", 0.2),
			AttemptTimeout: getenvDuration("ATTEMPT_TIMEOUT", 10*time.Second),
			Workers:        getenvInt("DISPATCH_WORKERS", 8),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
			WorkerHTTPPort: port(getenv("WORKER_HTTP_PORT", "8083")),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			Issuer:       getenv("JWT_ISSUER", "hookrelay-dev"),
			Audience:     getenv("JWT_AUDIENCE", "hookrelay"),
			Disabled:     getenvBool("AUTH_DISABLED", false),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 port(getenv("FAKE_RECEIVER_PORT", ":8081")),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Validate rejects driver names and limits the services cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Dispatch.QueueDriver {
	case "memory", "nsq":
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", c.Dispatch.QueueDriver)
	}
	if c.Dispatch.QueueDriver == "nsq" && c.Store.Driver == "memory" {
		return fmt.Errorf("QUEUE_DRIVER=nsq needs a shared store, STORE_DRIVER is memory")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1")
	}
	if c.Dispatch.JitterPercent < 0 || c.Dispatch.JitterPercent > 1 {
		return fmt.Errorf("BACKOFF_JITTER_PCT must be between 0 and 1")
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
