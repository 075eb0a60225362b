package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 聚合运行时配置，默认值 + 环境变量 + 可选 YAML 文件（CONFIG_FILE）。
type AppConfig struct {
	ServiceName string
	HTTPAddr    string

	DBDriver       string
	DBDSN          string
	DBMaxOpenConns int
	DBMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka 集群地址、订单事件 Topic、时间线消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（状态变更入流，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 结账接口限流、单飞锁与幂等状态缓存
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
	CheckoutLockTTL    time.Duration
	RequestStateTTL    time.Duration
	OrderNumberRetries int

	// 付款凭证存储
	StorageBackend       string
	StorageBucket        string
	StorageLocalDir      string
	StoragePublicBaseURL string
	GCSProjectID         string
	ProofMaxBytes        int64

	// 运营后台简单令牌（鉴权由外部网关负责）
	AdminToken string

	LogLevel     string
	LogEncoding  string
	OTLPEndpoint string
}

var defaults = map[string]any{
	"service_name":                "storefront",
	"http_addr":                   ":8080",
	"db_driver":                   "sqlite",
	"db_dsn":                      "storefront.db",
	"db_max_open_conns":           25,
	"db_max_idle_conns":           5,
	"redis_addr":                  "localhost:6379",
	"redis_password":              "",
	"redis_db":                    0,
	"kafka_brokers":               "localhost:9092",
	"kafka_topic":                 "storefront-order-events",
	"kafka_group_id":              "storefront-order-timeline",
	"order_event_stream":          "storefront:order_events",
	"order_event_group":           "storefront-relay-group",
	"order_event_consumer":        "storefront-relay-1",
	"checkout_rate_limit":         5,
	"checkout_rate_window_sec":    10,
	"checkout_lock_ttl_sec":       60,
	"request_state_ttl_hour":      24,
	"order_number_retries":        5,
	"storage_backend":             "local",
	"storage_bucket":              "payment-proofs",
	"storage_local_dir":           "data/objects",
	"storage_public_base_url":     "http://localhost:8080/objects",
	"gcs_project_id":              "",
	"proof_max_bytes":             5 << 20,
	"admin_token":                 "dev-admin-token",
	"log_level":                   "info",
	"log_encoding":                "json",
	"otel_exporter_otlp_endpoint": "",
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return AppConfig{}, err
	}
	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServiceName:          strings.TrimSpace(v.GetString("service_name")),
		HTTPAddr:             strings.TrimSpace(v.GetString("http_addr")),
		DBDriver:             strings.ToLower(strings.TrimSpace(v.GetString("db_driver"))),
		DBDSN:                strings.TrimSpace(v.GetString("db_dsn")),
		DBMaxOpenConns:       v.GetInt("db_max_open_conns"),
		DBMaxIdleConns:       v.GetInt("db_max_idle_conns"),
		RedisAddr:            strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:        v.GetString("redis_password"),
		RedisDB:              v.GetInt("redis_db"),
		KafkaBrokers:         splitCSV(v.GetString("kafka_brokers")),
		KafkaTopic:           strings.TrimSpace(v.GetString("kafka_topic")),
		KafkaGroupID:         strings.TrimSpace(v.GetString("kafka_group_id")),
		OrderEventStream:     strings.TrimSpace(v.GetString("order_event_stream")),
		OrderEventGroup:      strings.TrimSpace(v.GetString("order_event_group")),
		OrderEventConsumer:   strings.TrimSpace(v.GetString("order_event_consumer")),
		CheckoutRateLimit:    v.GetInt("checkout_rate_limit"),
		CheckoutRateWindow:   time.Duration(v.GetInt("checkout_rate_window_sec")) * time.Second,
		CheckoutLockTTL:      time.Duration(v.GetInt("checkout_lock_ttl_sec")) * time.Second,
		RequestStateTTL:      time.Duration(v.GetInt("request_state_ttl_hour")) * time.Hour,
		OrderNumberRetries:   v.GetInt("order_number_retries"),
		StorageBackend:       strings.ToLower(strings.TrimSpace(v.GetString("storage_backend"))),
		StorageBucket:        strings.TrimSpace(v.GetString("storage_bucket")),
		StorageLocalDir:      strings.TrimSpace(v.GetString("storage_local_dir")),
		StoragePublicBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("storage_public_base_url")), "/"),
		GCSProjectID:         strings.TrimSpace(v.GetString("gcs_project_id")),
		ProofMaxBytes:        v.GetInt64("proof_max_bytes"),
		AdminToken:           v.GetString("admin_token"),
		LogLevel:             strings.TrimSpace(v.GetString("log_level")),
		LogEncoding:          strings.TrimSpace(v.GetString("log_encoding")),
		OTLPEndpoint:         strings.TrimSpace(v.GetString("otel_exporter_otlp_endpoint")),
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (cfg AppConfig) validate() error {
	switch cfg.DBDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be one of sqlite|postgres|mysql, got %q", cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		return fmt.Errorf("DB_DSN must not be empty")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be > 0")
	}
	if cfg.CheckoutRateLimit <= 0 {
		return fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	if cfg.CheckoutRateWindow <= 0 {
		return fmt.Errorf("CHECKOUT_RATE_WINDOW_SEC must be > 0")
	}
	if cfg.CheckoutLockTTL <= 0 {
		return fmt.Errorf("CHECKOUT_LOCK_TTL_SEC must be > 0")
	}
	if cfg.RequestStateTTL <= 0 {
		return fmt.Errorf("REQUEST_STATE_TTL_HOUR must be > 0")
	}
	if cfg.OrderNumberRetries <= 0 {
		return fmt.Errorf("ORDER_NUMBER_RETRIES must be > 0")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.OrderEventStream == "" {
		return fmt.Errorf("ORDER_EVENT_STREAM must not be empty")
	}
	if cfg.OrderEventGroup == "" {
		return fmt.Errorf("ORDER_EVENT_GROUP must not be empty")
	}
	if cfg.OrderEventConsumer == "" {
		return fmt.Errorf("ORDER_EVENT_CONSUMER must not be empty")
	}
	switch cfg.StorageBackend {
	case "local":
		if cfg.StorageLocalDir == "" {
			return fmt.Errorf("STORAGE_LOCAL_DIR must not be empty for local backend")
		}
	case "gcs":
		if cfg.GCSProjectID == "" {
			return fmt.Errorf("GCS_PROJECT_ID must not be empty for gcs backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local|gcs, got %q", cfg.StorageBackend)
	}
	if cfg.StorageBucket == "" {
		return fmt.Errorf("STORAGE_BUCKET must not be empty")
	}
	if cfg.ProofMaxBytes <= 0 {
		return fmt.Errorf("PROOF_MAX_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.AdminToken) == "" {
		return fmt.Errorf("ADMIN_TOKEN must not be empty")
	}
	return nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
