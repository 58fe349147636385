package config

const (
	defaultBind                   = "127.0.0.1:8080"
	defaultMaxUploadMB            = 10
	defaultStoreBackend           = BackendBadger
	defaultBadgerPath             = "~/.local/share/topic-explorer/sessions"
	defaultStoreTTLHours          = 30 * 24
	defaultAutosaveTimeoutSeconds = 10
	defaultCachePrefix            = "subtrees/"
	defaultGenerationMode         = "deep"
	defaultJobTimeoutSeconds      = 600
	defaultMaxConcurrent          = 4
	defaultDispatchBurst          = 1
	defaultRetainFinished         = 100
	defaultLogLevel               = "info"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendDynamo = "dynamo"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Bind:        defaultBind,
			MaxUploadMB: defaultMaxUploadMB,
		},
		Store: Store{
			Backend:                defaultStoreBackend,
			BadgerPath:             defaultBadgerPath,
			TTLHours:               defaultStoreTTLHours,
			Compress:               true,
			AutosaveTimeoutSeconds: defaultAutosaveTimeoutSeconds,
		},
		Cache: Cache{
			Keys:   []string{"Binary Search Trees"},
			Prefix: defaultCachePrefix,
		},
		Generation: Generation{
			Mode: defaultGenerationMode,
		},
		Jobs: Jobs{
			TimeoutSeconds: defaultJobTimeoutSeconds,
			MaxConcurrent:  defaultMaxConcurrent,
			DispatchBurst:  defaultDispatchBurst,
			FollowResults:  true,
			RetainFinished: defaultRetainFinished,
		},
		Logging: Logging{
			Level: defaultLogLevel,
		},
	}
}
