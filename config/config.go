package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Auth       AuthConfig       `json:"auth"`
	Redis      RedisConfig      `json:"redis"`
	Search     SearchConfig     `json:"search"`
	Compare    CompareConfig    `json:"compare"`
	Graph      GraphConfig      `json:"graph"`
	ExternalKB ExternalKBConfig `json:"external_kb"`
	LLM        LLMConfig        `json:"llm"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Perf       PerfConfig       `json:"perf"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	IdleTimeout  int    `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret"`
	JWTExpiration  int      `json:"jwt_expiration"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// RedisConfig holds L2 cache settings. The L1 layer is always in-process.
type RedisConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Password    string `json:"password"`
	DB          int    `json:"db"`
	EnableCache bool   `json:"enable_cache"`
}

// SearchConfig holds orchestrator and strategy settings.
type SearchConfig struct {
	ModeRoutingEnabled bool   `json:"mode_routing_enabled"`
	RouterMode         string `json:"router_mode"`  // rule_based | static
	DefaultMode        string `json:"default_mode"` // balanced | fast_exact | semantic_focus
	FusionMode         string `json:"fusion_mode"`  // rrf | concat

	NoiseGuardEnabled                    bool `json:"noise_guard_enabled"`
	TypoRescueEnabled                    bool `json:"typo_rescue_enabled"`
	LemmaSeedFallbackEnabled             bool `json:"lemma_seed_fallback_enabled"`
	DynamicSingleTokenSemanticCapEnabled bool `json:"dynamic_single_token_semantic_cap_enabled"`
	SmartSemanticTailCap                 int  `json:"smart_semantic_tail_cap"`
	ExpansionMaxVariations               int  `json:"expansion_max_variations"`

	ExactFullTextEnabled    bool `json:"exact_fulltext_enabled"`
	ExactSingleTokenEnabled bool `json:"exact_single_token_enabled"`
	ExactMinRowsForBackfill int  `json:"exact_min_rows_for_backfill"`
	OdlRescueEnabled        bool `json:"odl_rescue_enabled"`

	CacheL1TTLSeconds     int    `json:"cache_l1_ttl"`
	EmbeddingModelVersion string `json:"embedding_model_version"`
	LLMModelVersion       string `json:"llm_model_version"`
}

// CompareConfig holds the per-book fan-out policy.
type CompareConfig struct {
	PolicyEnabled     bool     `json:"policy_enabled"`
	TargetMax         int      `json:"target_max"`
	PrimaryPerBook    int      `json:"primary_per_book"`
	SecondaryPerBook  int      `json:"secondary_per_book"`
	TimeoutMs         int      `json:"timeout_ms"`
	SecondaryMaxRatio int      `json:"secondary_max_ratio"`
	CanaryUIDs        []string `json:"canary_uids"`
}

// GraphConfig holds graph traversal timeouts.
type GraphConfig struct {
	TimeoutMs          int     `json:"timeout_ms"`
	BridgeTimeoutMs    int     `json:"bridge_timeout_ms"`
	DirectSkip         bool    `json:"direct_skip"`
	ConceptStrengthMin float64 `json:"concept_strength_min"`
}

// ExternalKBConfig holds external knowledge-base candidate settings.
type ExternalKBConfig struct {
	Enabled        bool    `json:"enabled"`
	MaxCandidates  int     `json:"max_candidates"`
	MinConfidence  float64 `json:"min_confidence"`
	WikidataWeight float64 `json:"wikidata_weight"`
	OpenAlexWeight float64 `json:"openalex_weight"`
	DBpediaWeight  float64 `json:"dbpedia_weight"`
	ORKGWeight     float64 `json:"orkg_weight"`
}

// LLMConfig holds provider routing and fallback settings.
type LLMConfig struct {
	GeminiBaseURL string `json:"gemini_base_url"`
	GeminiAPIKey  string `json:"gemini_api_key"`
	QwenBaseURL   string `json:"qwen_base_url"`
	QwenAPIKey    string `json:"qwen_api_key"`

	ModelLite  string `json:"model_lite"`
	ModelFlash string `json:"model_flash"`
	ModelPro   string `json:"model_pro"`

	ExplorerQwenPilotEnabled       bool   `json:"explorer_qwen_pilot_enabled"`
	ExplorerPrimaryProvider        string `json:"explorer_primary_provider"`
	ExplorerPrimaryModel           string `json:"explorer_primary_model"`
	ExplorerFallbackProvider       string `json:"explorer_fallback_provider"`
	ExplorerRPMCap                 int    `json:"explorer_rpm_cap"`
	ExplorerSecondaryMaxPerRequest int    `json:"explorer_secondary_max_per_request"`
	ProFallbackEnabled             bool   `json:"pro_fallback_enabled"`
	ProFallbackMaxPerRequest       int    `json:"pro_fallback_max_per_request"`

	TimeoutSeconds  int `json:"timeout_seconds"`
	ChatPromptTurns int `json:"chat_prompt_turns"`

	QuoteDynamicCountEnabled bool `json:"quote_dynamic_count_enabled"`
	QuoteDynamicMin          int  `json:"quote_dynamic_min"`
	QuoteDynamicMax          int  `json:"quote_dynamic_max"`
}

// EmbeddingConfig holds the embedder HTTP client settings.
type EmbeddingConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	OutputDim      int    `json:"output_dim"`
}

// PerfConfig holds the L3 performance guard flags.
type PerfConfig struct {
	RewriteGuardEnabled      bool `json:"rewrite_guard_enabled"`
	ContextBudgetEnabled     bool `json:"context_budget_enabled"`
	OutputBudgetEnabled      bool `json:"output_budget_enabled"`
	ExpansionTailFixEnabled  bool `json:"expansion_tail_fix_enabled"`
	SupplementaryGateEnabled bool `json:"supplementary_gate_enabled"`
	MaxOutputTokensStandard  int  `json:"max_output_tokens_standard"`
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "tomehub"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "tomehub"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			JWTExpiration:  getEnvAsInt("JWT_EXPIRATION", 3600),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnvAsInt("REDIS_PORT", 6379),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			EnableCache: getEnvAsBool("REDIS_ENABLE_CACHE", true),
		},
		Search: SearchConfig{
			ModeRoutingEnabled: getEnvAsBool("SEARCH_MODE_ROUTING_ENABLED", true),
			RouterMode:         getEnv("SEARCH_ROUTER_MODE", "rule_based"),
			DefaultMode:        getEnv("SEARCH_DEFAULT_MODE", "balanced"),
			FusionMode:         getEnv("RETRIEVAL_FUSION_MODE", "concat"),

			NoiseGuardEnabled:                    getEnvAsBool("SEARCH_NOISE_GUARD_ENABLED", true),
			TypoRescueEnabled:                    getEnvAsBool("SEARCH_TYPO_RESCUE_ENABLED", true),
			LemmaSeedFallbackEnabled:             getEnvAsBool("SEARCH_LEMMA_SEED_FALLBACK_ENABLED", true),
			DynamicSingleTokenSemanticCapEnabled: getEnvAsBool("SEARCH_DYNAMIC_SINGLE_TOKEN_SEMANTIC_CAP_ENABLED", true),
			SmartSemanticTailCap:                 getEnvAsInt("SEARCH_SMART_SEMANTIC_TAIL_CAP", 6),
			ExpansionMaxVariations:               getEnvAsInt("SEARCH_SEMANTIC_EXPANSION_MAX_VARIATIONS", 2),

			ExactFullTextEnabled:    getEnvAsBool("SEARCH_EXACT_FULLTEXT_ENABLED", true),
			ExactSingleTokenEnabled: getEnvAsBool("SEARCH_EXACT_FULLTEXT_SINGLE_TOKEN_ENABLED", true),
			ExactMinRowsForBackfill: getEnvAsInt("SEARCH_EXACT_FULLTEXT_MIN_ROWS", 1),
			OdlRescueEnabled:        getEnvAsBool("ODL_RESCUE_ENABLED", false),

			CacheL1TTLSeconds:     getEnvAsInt("CACHE_L1_TTL", 300),
			EmbeddingModelVersion: getEnv("EMBEDDING_MODEL_VERSION", "emb-v1"),
			LLMModelVersion:       getEnv("LLM_MODEL_VERSION", "llm-v1"),
		},
		Compare: CompareConfig{
			PolicyEnabled:     getEnvAsBool("SEARCH_COMPARE_POLICY_ENABLED", false),
			TargetMax:         getEnvAsInt("SEARCH_COMPARE_TARGET_MAX", 8),
			PrimaryPerBook:    getEnvAsInt("SEARCH_COMPARE_PRIMARY_PER_BOOK", 6),
			SecondaryPerBook:  getEnvAsInt("SEARCH_COMPARE_SECONDARY_PER_BOOK", 2),
			TimeoutMs:         getEnvAsInt("SEARCH_COMPARE_TIMEOUT_MS", 2500),
			SecondaryMaxRatio: getEnvAsInt("SEARCH_COMPARE_SECONDARY_MAX_RATIO", 3),
			CanaryUIDs:        getEnvAsSlice("SEARCH_COMPARE_CANARY_UIDS", nil),
		},
		Graph: GraphConfig{
			TimeoutMs:          getEnvAsInt("SEARCH_GRAPH_TIMEOUT_MS", 120),
			BridgeTimeoutMs:    getEnvAsInt("SEARCH_GRAPH_BRIDGE_TIMEOUT_MS", 650),
			DirectSkip:         getEnvAsBool("SEARCH_GRAPH_DIRECT_SKIP", true),
			ConceptStrengthMin: getEnvAsFloat("CONCEPT_STRENGTH_MIN", 0.3),
		},
		ExternalKB: ExternalKBConfig{
			Enabled:        getEnvAsBool("EXTERNAL_KB_ENABLED", false),
			MaxCandidates:  getEnvAsInt("EXTERNAL_KB_MAX_CANDIDATES", 5),
			MinConfidence:  getEnvAsFloat("EXTERNAL_KB_MIN_CONFIDENCE", 0.45),
			WikidataWeight: getEnvAsFloat("EXTERNAL_KB_WIKIDATA_WEIGHT", 0.15),
			OpenAlexWeight: getEnvAsFloat("EXTERNAL_KB_OPENALEX_WEIGHT", 0.12),
			DBpediaWeight:  getEnvAsFloat("EXTERNAL_KB_DBPEDIA_WEIGHT", 0.08),
			ORKGWeight:     getEnvAsFloat("EXTERNAL_KB_ORKG_WEIGHT", 0.08),
		},
		LLM: LLMConfig{
			GeminiBaseURL: getEnv("LLM_GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
			GeminiAPIKey:  getEnv("LLM_GEMINI_API_KEY", ""),
			QwenBaseURL:   getEnv("LLM_QWEN_BASE_URL", "http://localhost:8000"),
			QwenAPIKey:    getEnv("LLM_QWEN_API_KEY", ""),

			ModelLite:  getEnv("LLM_MODEL_LITE", "gemini-flash-lite"),
			ModelFlash: getEnv("LLM_MODEL_FLASH", "gemini-flash"),
			ModelPro:   getEnv("LLM_MODEL_PRO", "gemini-pro"),

			ExplorerQwenPilotEnabled:       getEnvAsBool("LLM_EXPLORER_QWEN_PILOT_ENABLED", false),
			ExplorerPrimaryProvider:        getEnv("LLM_EXPLORER_PRIMARY_PROVIDER", "qwen"),
			ExplorerPrimaryModel:           getEnv("LLM_EXPLORER_PRIMARY_MODEL", "qwen-plus"),
			ExplorerFallbackProvider:       getEnv("LLM_EXPLORER_FALLBACK_PROVIDER", "gemini"),
			ExplorerRPMCap:                 getEnvAsInt("LLM_EXPLORER_RPM_CAP", 35),
			ExplorerSecondaryMaxPerRequest: getEnvAsInt("LLM_EXPLORER_SECONDARY_MAX_PER_REQUEST", 1),
			ProFallbackEnabled:             getEnvAsBool("LLM_PRO_FALLBACK_ENABLED", false),
			ProFallbackMaxPerRequest:       getEnvAsInt("LLM_PRO_FALLBACK_MAX_PER_REQUEST", 1),

			TimeoutSeconds:  getEnvAsInt("LLM_TIMEOUT_SECONDS", 30),
			ChatPromptTurns: getEnvAsInt("CHAT_PROMPT_TURNS", 6),

			QuoteDynamicCountEnabled: getEnvAsBool("L3_QUOTE_DYNAMIC_COUNT_ENABLED", true),
			QuoteDynamicMin:          getEnvAsInt("L3_QUOTE_DYNAMIC_MIN", 2),
			QuoteDynamicMax:          getEnvAsInt("L3_QUOTE_DYNAMIC_MAX", 5),
		},
		Embedding: EmbeddingConfig{
			BaseURL:        getEnv("EMBEDDING_BASE_URL", "http://localhost:8090"),
			APIKey:         getEnv("EMBEDDING_API_KEY", ""),
			TimeoutSeconds: getEnvAsInt("EMBEDDING_TIMEOUT_SECONDS", 10),
			OutputDim:      getEnvAsInt("EMBEDDING_OUTPUT_DIM", 768),
		},
		Perf: PerfConfig{
			RewriteGuardEnabled:      getEnvAsBool("L3_PERF_REWRITE_GUARD_ENABLED", false),
			ContextBudgetEnabled:     getEnvAsBool("L3_PERF_CONTEXT_BUDGET_ENABLED", false),
			OutputBudgetEnabled:      getEnvAsBool("L3_PERF_OUTPUT_BUDGET_ENABLED", false),
			ExpansionTailFixEnabled:  getEnvAsBool("L3_PERF_EXPANSION_TAIL_FIX_ENABLED", false),
			SupplementaryGateEnabled: getEnvAsBool("L3_PERF_SUPPLEMENTARY_GATE_ENABLED", false),
			MaxOutputTokensStandard:  getEnvAsInt("L3_PERF_MAX_OUTPUT_TOKENS_STANDARD", 650),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASSWORD)")
	}

	if config.Auth.JWTSecret == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret must be changed from default value (JWT_SECRET)")
	}

	switch config.Search.RouterMode {
	case "rule_based", "static":
	default:
		return fmt.Errorf("invalid SEARCH_ROUTER_MODE %q", config.Search.RouterMode)
	}

	switch config.Search.FusionMode {
	case "rrf", "concat":
	default:
		return fmt.Errorf("invalid RETRIEVAL_FUSION_MODE %q", config.Search.FusionMode)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
