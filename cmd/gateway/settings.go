package main

type Settings struct {
	Port        int    `env:"PORT,default=8003"`
	BasePath    string `env:"BASE_PATH"`
	LogEncoding string `env:"LOG_ENCODING,default=json"`

	BotToken          string   `env:"BOT_TOKEN,required=true"`
	AuthMaxAgeSeconds int      `env:"AUTH_MAX_AGE_SECONDS,default=86400"`
	ServiceJWTSecret  string   `env:"SERVICE_JWT_SECRET,required=true"`
	AllowedOrigins    []string `env:"ALLOWED_ORIGINS,default=*"`

	RedisURL       string `env:"REDIS_URL"`
	ImpulseChannel string `env:"REDIS_CHANNEL_IMPULSE,default=impulse:notifications"`
	BabloChannel   string `env:"REDIS_CHANNEL_BABLO,default=bablo:notifications"`

	HeartbeatSeconds int `env:"WS_HEARTBEAT_INTERVAL,default=30"`
	MaxConnections   int `env:"WS_MAX_CONNECTIONS,default=1000"`
	SendQueueSize    int `env:"WS_SEND_QUEUE_SIZE,default=256"`

	AccessRequired bool   `env:"ACCESS_REQUIRED,default=false"`
	AdminID        int64  `env:"ADMIN_ID"`
	MongoURI       string `env:"MONGODB_URI,default=mongodb://localhost:27017"`

	ImpulseServiceURL string `env:"IMPULSE_SERVICE_URL,default=http://localhost:8001"`
	BabloServiceURL   string `env:"BABLO_SERVICE_URL,default=http://localhost:8002"`

	MetricsEnabled bool `env:"METRICS_ENABLED,default=true"`
	DevMode        bool `env:"DEV_MODE,default=false"`
}
