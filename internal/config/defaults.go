package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		WeCom: WeComConfig{
			TimeoutSeconds:            10,
			RefreshMarginSeconds:      300,
			MinRefreshIntervalSeconds: 10,
		},
		TokenCache: TokenCacheConfig{
			Backend:   "memory",
			KeyPrefix: "wecom:token:",
		},
		Relay: RelayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8086,
		},
		Queue: QueueConfig{
			Enabled:  false,
			Queue:    "wecom.send",
			Prefetch: 8,
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        "~/.wecomagent/history.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
