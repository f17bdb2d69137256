package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			StateDir: "~/.syncwake/state",
		},
		Watch: WatchConfig{
			Enabled:        true,
			Roots:          []string{"~/notes"},
			IgnoreDirs:     defaultIgnoreDirs(),
			IgnorePatterns: defaultIgnorePatterns(),
			Extensions:     []string{".md"},
		},
		Sync: SyncConfig{
			LogRoot:         "~/notes/Chats",
			DebounceMillis:  2000,
			CooldownSeconds: 60,
			InitialBackfill: 100,
			RecentLines:     5,
			SelfLabel:       "Me",
			ShutdownPolicy:  "flush",
		},
		State: StateConfig{
			Backend: "file",
			DBPath:  "~/.syncwake/state.db",
		},
		Sources: SourcesConfig{
			Telegram: TelegramSourceConfig{
				Enabled:             false,
				PollIntervalSeconds: 60,
				TimeoutSeconds:      30,
			},
		},
		Notify: NotifyConfig{
			Target:    "command",
			Channel:   "webchat",
			Recipient: "main",
			Command: CommandNotifyConfig{
				Path:           "openclaw",
				Args:           defaultCommandArgs(),
				TimeoutSeconds: 30,
			},
			Webhook: WebhookNotifyConfig{
				TimeoutSeconds: 10,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

func defaultIgnoreDirs() []string {
	return []string{".obsidian", ".trash", ".stversions", ".sync", ".git"}
}

func defaultIgnorePatterns() []string {
	return []string{"sync-conflict", ".tmp", ".swp", ".swo", "~", ".DS_Store"}
}

func defaultCommandArgs() []string {
	return []string{
		"agent",
		"--session-id", "{recipient}",
		"--message", "{message}",
		"--channel", "{channel}",
	}
}
