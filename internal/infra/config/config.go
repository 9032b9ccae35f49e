package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию движка ленты.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Berlin"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	LocalStorePath string `envconfig:"LOCAL_STORE_PATH" default:"./data/feed-state.db"`
	GeoIndexFile   string `envconfig:"GEO_INDEX_FILE"`

	// GeoBackfillInterval задаёт период дозаполнения канонических ключей у новых материалов.
	GeoBackfillInterval time.Duration `envconfig:"GEO_BACKFILL_INTERVAL" default:"5m"`

	// UserID восстанавливает сессию при старте. Пустое значение оставляет локальное состояние как есть.
	UserID string `envconfig:"FEED_USER_ID"`
	// AuthSecret включает проверку подписи запросов на открытие сессии.
	AuthSecret string `envconfig:"FEED_AUTH_SECRET"`

	Feed struct {
		SlotPattern    []string      `envconfig:"FEED_SLOT_PATTERN" default:"IMPORTANT,FUN,IMPORTANT,INFO,FUN,INFO"`
		CandidateLimit int           `envconfig:"FEED_CANDIDATE_LIMIT" default:"60"`
		RemoteTimeout  time.Duration `envconfig:"REMOTE_TIMEOUT" default:"5s"`
	} `envconfig:""`

	Cache struct {
		ExclusionTTL time.Duration `envconfig:"EXCLUSION_CACHE_TTL" default:"10m"`
	} `envconfig:""`

	Events struct {
		// Sink: postgres, rabbitmq, redis или none.
		Sink  string `envconfig:"EVENTS_SINK" default:"postgres"`
		Queue string `envconfig:"EVENTS_QUEUE" default:"feed_events"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Location возвращает часовой пояс для смены дня. Неизвестный пояс даёт UTC.
func (c AppConfig) Location() *time.Location {
	name, err := NormalizeTimezone(c.TZ)
	if err != nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
