package model

import "time"

// ================ Config ================
type ConversationConfig struct {
	TTL         time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	Prefix      string        `envconfig:"SESSION_PREFIX" default:"slaq:"`
	MaxHistory  int           `envconfig:"CONVERSATION_MAX_HISTORY" default:"40"`
	TurnTimeout time.Duration `envconfig:"HTTP_TURN_TIMEOUT" default:"5m"`
	MaxRunSteps int           `envconfig:"GRAPH_MAX_RUN_STEPS" default:"64"`
}

type OracleConfig struct {
	Provider       string  `envconfig:"ORACLE_PROVIDER" default:"gemini"`
	Model          string  `envconfig:"ORACLE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens      int     `envconfig:"ORACLE_MAX_TOKENS" default:"4096"`
	Temperature    float32 `envconfig:"ORACLE_TEMPERATURE" default:"0"`
	ThinkingBudget int     `envconfig:"ORACLE_THINKING_BUDGET" default:"0"`
	GeminiAPIKey   string  `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL  string  `envconfig:"GEMINI_BASE_URL"`
	OpenAIAPIKey   string  `envconfig:"OPENAI_API_KEY"`
}

type MetadataConfig struct {
	SchemaTTL         time.Duration `envconfig:"SCHEMA_CACHE_TTL" default:"300s"`
	SchemaTables      []string      `envconfig:"SCHEMA_TABLES" default:"samples"`
	JSONKeySampleSize int           `envconfig:"SCHEMA_JSON_SAMPLE_SIZE" default:"100"`
	BatchSize         int           `envconfig:"UPDATE_BATCH_SIZE" default:"250"`
	BatchPause        time.Duration `envconfig:"UPDATE_BATCH_PAUSE" default:"100ms"`
}

// DefaultMetadataConfig mirrors the envconfig defaults for callers that do not load env.
func DefaultMetadataConfig() MetadataConfig {
	return MetadataConfig{
		SchemaTTL:         300 * time.Second,
		SchemaTables:      []string{"samples"},
		JSONKeySampleSize: 100,
		BatchSize:         250,
		BatchPause:        100 * time.Millisecond,
	}
}
