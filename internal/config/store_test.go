package config

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heisenworks/applyos/internal/core/domain"
)

type memRepo struct {
	values map[string]string
}

func (m *memRepo) GetSetting(ctx context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *memRepo) SaveSetting(ctx context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func newTestSettings(t *testing.T) (*SettingsStore, *memRepo) {
	t.Helper()
	t.Setenv("APPLYOS_SECRET_KEY", "settings-test-key")
	secret, err := NewSecretKey()
	require.NoError(t, err)

	repo := &memRepo{values: make(map[string]string)}
	store, err := NewSettingsStore(slog.New(slog.NewJSONHandler(os.Stdout, nil)), repo, secret)
	require.NoError(t, err)
	return store, repo
}

func TestSettingsStore_DefaultsOnFirstRun(t *testing.T) {
	store, _ := newTestSettings(t)

	cfg := store.GetConfig()
	assert.Equal(t, 10, cfg.Session.DailyLimit)
	assert.Equal(t, 3, cfg.Session.BatchSize)
	assert.Equal(t, 60, cfg.Automaton.MaxIterations)
}

func TestSettingsStore_APIKeyEncryptedAtRest(t *testing.T) {
	store, repo := newTestSettings(t)
	ctx := context.Background()

	cfg := store.GetConfig()
	cfg.LLM.Mode = "remote"
	cfg.LLM.RemoteURL = "https://api.openai.com/v1"
	cfg.LLM.APIKey = "sk-secret-value"
	require.NoError(t, store.UpdateConfig(ctx, cfg))

	raw := repo.values["app_config"]
	assert.NotContains(t, raw, "sk-secret-value", "plaintext key must never hit storage")
	assert.Contains(t, raw, "enc:")

	masked := store.GetMaskedConfig()
	assert.True(t, strings.HasPrefix(masked.LLM.APIKey, "****"))
	assert.Equal(t, "sk-secret-value", store.GetConfig().LLM.APIKey)
}

func TestSettingsStore_MaskedKeyKeepsExisting(t *testing.T) {
	store, _ := newTestSettings(t)
	ctx := context.Background()

	cfg := store.GetConfig()
	cfg.LLM.Mode = "remote"
	cfg.LLM.RemoteURL = "https://api.openai.com/v1"
	cfg.LLM.APIKey = "sk-original"
	require.NoError(t, store.UpdateConfig(ctx, cfg))

	update := store.GetMaskedConfig()
	require.NoError(t, store.UpdateConfig(ctx, update))

	assert.Equal(t, "sk-original", store.GetConfig().LLM.APIKey)
}

func TestSettingsStore_BadPacingFallsBackToDefaults(t *testing.T) {
	store, _ := newTestSettings(t)
	ctx := context.Background()

	cfg := store.GetConfig()
	cfg.Session.DailyLimit = -1
	cfg.Automaton.TickMin = 0
	require.NoError(t, store.UpdateConfig(ctx, cfg))

	got := store.GetConfig()
	assert.Equal(t, 10, got.Session.DailyLimit)
	assert.Equal(t, domain.DefaultConfig().Automaton.TickMin, got.Automaton.TickMin)
}

func TestSettingsStore_ProfileRoundTrip(t *testing.T) {
	store, repo := newTestSettings(t)
	ctx := context.Background()

	p := domain.Profile{FullName: "Ada Example", Email: "ada@example.com"}
	require.NoError(t, store.UpdateProfile(ctx, p))
	assert.Contains(t, repo.values["profile"], "ada@example.com")

	got, err := store.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada Example", got.FullName)

	// Fresh store loads the persisted profile
	secret, err := NewSecretKey()
	require.NoError(t, err)
	store2, err := NewSettingsStore(slog.New(slog.NewJSONHandler(os.Stdout, nil)), repo, secret)
	require.NoError(t, err)
	got, err = store2.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
}

func TestSettingsStore_OnChangeFires(t *testing.T) {
	store, _ := newTestSettings(t)

	var fired *domain.AppConfig
	store.OnChange(func(cfg *domain.AppConfig) { fired = cfg })

	cfg := store.GetConfig()
	cfg.Session.BatchSize = 5
	require.NoError(t, store.UpdateConfig(context.Background(), cfg))

	require.NotNil(t, fired)
	assert.Equal(t, 5, fired.Session.BatchSize)
}
