package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:          "info",
			DefaultProvider:   "openai",
			AdminPauseMinutes: 30,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIBase:      "https://api.openai.com/v1",
				DefaultModel: "gpt-4o-mini",
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			Bridge: BridgeConfig{
				Enabled:             false,
				BaseURL:             "http://localhost:4020",
				TokenFile:           "~/.concierge/bridge-token",
				PollIntervalSeconds: 5,
				RecentMessages:      20,
				ChatListLimit:       30,
				ResponseMarker:      "​", // zero-width space
				CommandPrefix:       "/",
			},
		},
		Security: SecurityConfig{
			PIN: PINConfig{
				Length:                6,
				SessionTimeoutMinutes: 15,
				MaxFailures:           3,
				LockoutMinutes:        5,
			},
			PendingTTLMinutes: 10,
		},
		Memory: MemoryConfig{
			DBPath:           "~/.concierge/concierge.db",
			HistoryLimit:     50,
			CaptureThreshold: 25,
		},
		Agents: AgentsConfig{
			File: "~/.concierge/agents.yaml",
		},
		Reminders: RemindersConfig{
			Enabled: false,
		},
	}
}
