package config

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:              "~/.config/tshistory",
			SQLiteFile:        "history.db",
			SQLiteJournalMode: "wal",
		},
		Import: ImportConfig{
			LoadRangeDays:       7,
			LiveLookbackMinutes: 16,
		},
		Retention: RetentionConfig{
			Days:               90,
			BatchSize:          MinPruneBatchSize,
			PruneIntervalHours: 24,
		},
		Notes: NotesConfig{
			MergeMode: "append",
		},
		Tabs: TabsConfig{
			RecentLimit:   100,
			RecordUpdates: true,
		},
		Daemon: DaemonConfig{
			Host:           "127.0.0.1",
			Port:           8722,
			RateLimit:      50,
			Burst:          100,
			MaxRequestSize: 10485760,
			AllowedOrigins: []string{"chrome-extension://*", "moz-extension://*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
