package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/heisenworks/applyos/internal/core/domain"
)

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

const (
	configKey  = "app_config"
	profileKey = "profile"
)

// SettingsStore manages persistent settings with encrypted secrets.
// Inspired by Gitea/Grafana settings architecture: categories stored as JSON,
// secrets encrypted at rest, masked on read. It also holds the candidate
// profile the resolver reads.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	config   *domain.AppConfig
	profile  domain.Profile
	onChange []OnChangeFunc
}

// NewSettingsStore creates a store that loads/saves settings from DB with
// AES-256-GCM encryption for the reasoning-service API key.
func NewSettingsStore(logger *slog.Logger, repo SettingsRepository, secret *SecretKey) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	ctx := context.Background()
	cfg, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		cfg = domain.DefaultConfig()
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	}
	store.config = cfg

	profile, err := store.loadProfile(ctx)
	if err != nil {
		logger.Warn("no saved profile found", "error", err)
	} else {
		store.profile = profile
	}

	return store, nil
}

// OnChange registers a callback for when settings are updated.
// Used by lifecycle to hot-reload providers.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns the current config with decrypted secrets.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.config
	return &cp
}

// GetMaskedConfig returns config safe for API response (secrets masked).
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.config
	cp.LLM.APIKey = MaskSecret(s.config.LLM.APIKey)
	return &cp
}

// UpdateConfig validates, encrypts secrets, persists, and triggers onChange
// callbacks. Smart merge: an empty or masked apiKey keeps the existing key.
func (s *SettingsStore) UpdateConfig(ctx context.Context, update *domain.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.LLM.APIKey == "" || isMasked(update.LLM.APIKey) {
		update.LLM.APIKey = s.config.LLM.APIKey
	}

	if update.LLM.Mode == "remote" {
		if update.LLM.RemoteURL == "" {
			return fmt.Errorf("llm remote_url is required when mode=remote")
		}
		if update.LLM.APIKey == "" {
			return fmt.Errorf("llm api_key is required when mode=remote")
		}
	}
	if update.LLM.Mode == "" {
		update.LLM.Mode = "local"
	}

	// Out-of-range pacing values fall back to defaults rather than erroring,
	// so a bad UI payload cannot stall the scheduler.
	defaults := domain.DefaultConfig()
	if update.Session.DailyLimit <= 0 {
		update.Session.DailyLimit = defaults.Session.DailyLimit
	}
	if update.Session.BatchSize <= 0 {
		update.Session.BatchSize = defaults.Session.BatchSize
	}
	if update.Session.Cooldown <= 0 {
		update.Session.Cooldown = defaults.Session.Cooldown
	}
	if update.Automaton.TickMin <= 0 || update.Automaton.TickMax < update.Automaton.TickMin {
		update.Automaton.TickMin = defaults.Automaton.TickMin
		update.Automaton.TickMax = defaults.Automaton.TickMax
	}
	if update.Automaton.MaxIterations <= 0 {
		update.Automaton.MaxIterations = defaults.Automaton.MaxIterations
	}
	if update.Automaton.ReasoningTicks <= 0 {
		update.Automaton.ReasoningTicks = defaults.Automaton.ReasoningTicks
	}

	if err := s.saveToDB(ctx, update); err != nil {
		return err
	}

	s.config = update
	s.logger.Info("settings updated",
		"llm_mode", update.LLM.Mode,
		"daily_limit", update.Session.DailyLimit,
	)

	for _, fn := range s.onChange {
		fn(update)
	}
	return nil
}

// Profile implements the resolver's profile source.
func (s *SettingsStore) Profile(ctx context.Context) (domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile, nil
}

// UpdateProfile replaces the stored candidate profile.
func (s *SettingsStore) UpdateProfile(ctx context.Context, p domain.Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.SaveSetting(ctx, profileKey, string(raw)); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	s.profile = p
	s.logger.Info("profile updated", "name", p.FullName)
	return nil
}

func (s *SettingsStore) loadProfile(ctx context.Context) (domain.Profile, error) {
	raw, err := s.repo.GetSetting(ctx, profileKey)
	if err != nil {
		return domain.Profile{}, err
	}
	if raw == "" {
		return domain.Profile{}, fmt.Errorf("profile not set")
	}
	var p domain.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, nil
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (*domain.AppConfig, error) {
	raw, err := s.repo.GetSetting(ctx, configKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("config not set")
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	cfg := &domain.AppConfig{
		Session:   stored.Session,
		Automaton: stored.Automaton,
		LLM: domain.LLMProviderConfig{
			Mode:         stored.LLM.Mode,
			LocalURL:     stored.LLM.LocalURL,
			RemoteURL:    stored.LLM.RemoteURL,
			DefaultModel: stored.LLM.DefaultModel,
		},
	}

	if stored.LLM.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.LLM.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt API key", "error", err)
		} else {
			cfg.LLM.APIKey = key
		}
	}
	return cfg, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg *domain.AppConfig) error {
	stored := storedConfig{
		Session:   cfg.Session,
		Automaton: cfg.Automaton,
		LLM: storedProviderConfig{
			Mode:         cfg.LLM.Mode,
			LocalURL:     cfg.LLM.LocalURL,
			RemoteURL:    cfg.LLM.RemoteURL,
			DefaultModel: cfg.LLM.DefaultModel,
		},
	}

	if cfg.LLM.APIKey != "" {
		enc, err := s.secret.Encrypt(cfg.LLM.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt API key: %w", err)
		}
		stored.LLM.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, configKey, string(raw))
}

// storedConfig is the DB representation with encrypted fields
type storedConfig struct {
	Session   domain.SessionConfig   `json:"session"`
	Automaton domain.AutomatonConfig `json:"automaton"`
	LLM       storedProviderConfig   `json:"llm"`
}

type storedProviderConfig struct {
	Mode            string `json:"mode"`
	LocalURL        string `json:"local_url"`
	RemoteURL       string `json:"remote_url"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	DefaultModel    string `json:"default_model"`
}

func isMasked(s string) bool {
	return len(s) >= 4 && s[:4] == "****"
}
