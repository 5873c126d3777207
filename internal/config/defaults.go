package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.litchat",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			AllowedOrigins: []string{"*"},
			ReplayHistory:  1000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DBPath: "~/.litchat/chat.db",
		},
		Client: ClientConfig{
			ServerURL:           "http://127.0.0.1:8080",
			TimeoutSeconds:      10,
			MaxRetries:          3,
			ReconnectMaxSeconds: 30,
		},
		Presence: PresenceConfig{
			QuietPeriodMs: 2000,
		},
		Moderation: ModerationConfig{
			MaxLength:     2000,
			MaxNameLength: 32,
			RequireAvatar: false,
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: 30,
			Burst:             5,
		},
		Telegram: TelegramConfig{
			Enabled:   false,
			ParseMode: "HTML",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
