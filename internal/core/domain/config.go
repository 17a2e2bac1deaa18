package domain

import "time"

// LLMProviderConfig configures the reasoning-service provider
type LLMProviderConfig struct {
	Mode         string `json:"mode"`          // "local" or "remote"
	LocalURL     string `json:"local_url"`     // "http://localhost:11434"
	RemoteURL    string `json:"remote_url"`    // "https://api.openai.com/v1"
	APIKey       string `json:"api_key"`       // Encrypted in storage
	DefaultModel string `json:"default_model"` // "llama3" or "gpt-4o-mini"
}

// SessionConfig holds the scheduler's quota and pacing policy
type SessionConfig struct {
	DailyLimit    int           `json:"daily_limit"`
	BatchSize     int           `json:"batch_size"`
	Cooldown      time.Duration `json:"cooldown"`
	TargetDelay   time.Duration `json:"target_delay"`    // pause between targets inside a batch
	AutoStartCron string        `json:"auto_start_cron"` // optional, empty disables
}

// AutomatonConfig bounds the form automaton's polling behavior
type AutomatonConfig struct {
	TickMin          time.Duration `json:"tick_min"`
	TickMax          time.Duration `json:"tick_max"`
	MaxIterations    int           `json:"max_iterations"`
	ReasoningTicks   int           `json:"reasoning_ticks"` // ticks to wait on pending answers
	ReasoningTimeout time.Duration `json:"reasoning_timeout"`
	SuggestAttempts  int           `json:"suggest_attempts"` // location suggestion polls
	SuggestInterval  time.Duration `json:"suggest_interval"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	Session   SessionConfig     `json:"session"`
	Automaton AutomatonConfig   `json:"automaton"`
	LLM       LLMProviderConfig `json:"llm"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Session: SessionConfig{
			DailyLimit:  10,
			BatchSize:   3,
			Cooldown:    20 * time.Minute,
			TargetDelay: 3 * time.Second,
		},
		Automaton: AutomatonConfig{
			TickMin:          900 * time.Millisecond,
			TickMax:          1300 * time.Millisecond,
			MaxIterations:    60,
			ReasoningTicks:   8,
			ReasoningTimeout: 25 * time.Second,
			SuggestAttempts:  5,
			SuggestInterval:  400 * time.Millisecond,
		},
		LLM: LLMProviderConfig{
			Mode:         "local",
			LocalURL:     "http://localhost:11434",
			DefaultModel: "llama3",
		},
	}
}
