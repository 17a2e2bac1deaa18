package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heisenworks/applyos/internal/core/domain"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testProfile() domain.Profile {
	return domain.Profile{
		FullName:        "Ada Example",
		Email:           "ada@example.com",
		Phone:           "+1 555 0100",
		City:            "Lisbon",
		LinkedInURL:     "https://linkedin.com/in/ada",
		YearsExperience: "2",
		Preferences:     domain.Preferences{NoticePeriod: "30 days"},
	}
}

func newTestResolver(llm domain.LLMProvider) (*Resolver, *MemoryStore) {
	mem := NewMemoryStore(testLogger(), newFakeStore())
	return NewResolver(testLogger(), mem, llm, time.Second), mem
}

func TestResolver_ProfileTier(t *testing.T) {
	llm := &fakeLLM{}
	r, _ := newTestResolver(llm)

	res, err := r.Resolve(context.Background(), domain.Field{
		ID: "f1", Label: "Email address", Kind: domain.FieldEmail,
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", res.Value)
	assert.Equal(t, domain.SourceProfile, res.Source)
	assert.Zero(t, llm.calls, "profile hits must not reach the reasoning service")
}

func TestResolver_MemoryTier(t *testing.T) {
	llm := &fakeLLM{}
	r, mem := newTestResolver(llm)
	ctx := context.Background()

	require.NoError(t, mem.Remember(ctx, "Favorite editor?", "vim"))

	res, err := r.Resolve(ctx, domain.Field{
		ID: "f1", Label: "Favorite editor?", Kind: domain.FieldText,
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.Equal(t, "vim", res.Value)
	assert.Equal(t, domain.SourceMemory, res.Source)
	assert.Zero(t, llm.calls)
}

func TestResolver_LegalQuestionGatesToUser(t *testing.T) {
	llm := &fakeLLM{reply: "Yes"}
	r, _ := newTestResolver(llm)

	res, err := r.Resolve(context.Background(), domain.Field{
		ID: "f1", Label: "Are you legally authorized to work here?", Kind: domain.FieldRadio,
		Options: []string{"Yes", "No"},
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.True(t, res.AskUser)
	assert.Equal(t, Fingerprint("Are you legally authorized to work here?"), res.Fingerprint)
	assert.Zero(t, llm.calls, "legal questions must never be auto-answered")
}

func TestResolver_SalaryNumberGatesToUser(t *testing.T) {
	llm := &fakeLLM{reply: "50000"}
	r, _ := newTestResolver(llm)

	res, err := r.Resolve(context.Background(), domain.Field{
		ID: "f1", Label: "What is your desired monthly stipend amount?", Kind: domain.FieldNumber,
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.True(t, res.AskUser)
	assert.Zero(t, llm.calls)
}

func TestResolver_WideChoiceGatesToUser(t *testing.T) {
	llm := &fakeLLM{reply: "Engineering"}
	r, _ := newTestResolver(llm)

	res, err := r.Resolve(context.Background(), domain.Field{
		ID: "f1", Label: "Which department interests you most?", Kind: domain.FieldSelect,
		Options: []string{"Engineering", "Design", "Marketing", "Sales", "Support"},
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.True(t, res.AskUser)
}

func TestResolver_CountrySelectSkipsGate(t *testing.T) {
	llm := &fakeLLM{reply: "Portugal"}
	r, _ := newTestResolver(llm)

	res, err := r.Resolve(context.Background(), domain.Field{
		ID: "f1", Label: "Country of residence", Kind: domain.FieldSelect,
		Options: []string{"Portugal", "Spain", "France", "Germany", "Italy"},
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.False(t, res.AskUser)
	assert.Equal(t, "Portugal", res.Value)
	assert.Equal(t, domain.SourceReasoning, res.Source)
}

func TestResolver_ReasoningAnswerPersistedToMemory(t *testing.T) {
	llm := &fakeLLM{reply: "I built small web services in Go during two internships."}
	r, mem := newTestResolver(llm)
	ctx := context.Background()

	question := "Describe your backend experience"
	res, err := r.Resolve(ctx, domain.Field{
		ID: "f1", Label: question, Kind: domain.FieldTextarea,
	}, testProfile(), domain.TargetContext{Title: "Backend Intern", Company: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceReasoning, res.Source)
	assert.Equal(t, 1, llm.calls)

	// Second resolution hits memory, not the service
	res2, err := r.Resolve(ctx, domain.Field{
		ID: "f2", Label: question, Kind: domain.FieldTextarea,
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceMemory, res2.Source)
	assert.Equal(t, res.Value, res2.Value)
	assert.Equal(t, 1, llm.calls)

	remembered, err := mem.Lookup(ctx, question)
	require.NoError(t, err)
	assert.Equal(t, res.Value, remembered)
}

func TestResolver_ReasoningFailureEscalates(t *testing.T) {
	llm := &fakeLLM{err: errors.New("connection refused")}
	r, _ := newTestResolver(llm)

	res, err := r.Resolve(context.Background(), domain.Field{
		ID: "f1", Label: "Why do you want this role?", Kind: domain.FieldTextarea,
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.True(t, res.AskUser)
	assert.Equal(t, domain.SourceUser, res.Source)
}

func TestResolver_ChoiceAnswerSnapsToOption(t *testing.T) {
	llm := &fakeLLM{reply: "yes, I am comfortable with that"}
	r, _ := newTestResolver(llm)

	res, err := r.Resolve(context.Background(), domain.Field{
		ID: "f1", Label: "Comfortable with on-call rotations?", Kind: domain.FieldRadio,
		Options: []string{"Yes", "No"},
	}, testProfile(), domain.TargetContext{})
	require.NoError(t, err)
	assert.Equal(t, "Yes", res.Value)
}

func TestBuildPrompt_OverridesFromPreferences(t *testing.T) {
	profile := testProfile()
	profile.Preferences = domain.Preferences{
		ExpectedStipend: "1500 EUR",
		ExpectedCTC:     "40 LPA",
		NoticePeriod:    "30 days",
		WorkMode:        "Remote",
	}

	prompt := buildPrompt(domain.Field{
		ID: "f1", Label: "What is your expected stipend?", Kind: domain.FieldText,
	}, profile, domain.TargetContext{Title: "Backend Intern", Company: "Acme"})

	assert.Contains(t, prompt, "unpaid role is acceptable: answer No")
	assert.Contains(t, prompt, "current compensation: answer 0")
	assert.Contains(t, prompt, "expected stipend: answer 1500 EUR")
	assert.Contains(t, prompt, "expected CTC or expected compensation: answer 40 LPA")
	assert.Contains(t, prompt, "notice period or joining date: answer 30 days")
	assert.Contains(t, prompt, "willingness to relocate: answer Yes")
	assert.Contains(t, prompt, "preferred work mode: answer Remote")
	assert.Contains(t, prompt, "visa sponsorship: answer No")
}

func TestBuildPrompt_OverrideDefaults(t *testing.T) {
	profile := testProfile()
	profile.Preferences = domain.Preferences{}

	prompt := buildPrompt(domain.Field{
		ID: "f1", Label: "Expected CTC", Kind: domain.FieldText,
	}, profile, domain.TargetContext{})

	assert.Contains(t, prompt, "expected stipend: answer As per company norms")
	assert.Contains(t, prompt, "notice period or joining date: answer Immediately")
	assert.Contains(t, prompt, "preferred work mode: answer Hybrid or in-office")
}

func TestMatchOption(t *testing.T) {
	opts := []string{"Bachelor's Degree", "Master's Degree", "None"}

	assert.Equal(t, "Master's Degree", matchOption("master's degree", opts))
	assert.Equal(t, "Bachelor's Degree", matchOption("Bachelor", opts))
	assert.Equal(t, "No", matchOption("no, I have not", []string{"Yes", "No"}))
	assert.Equal(t, "Yes", matchOption("I have done this before", []string{"Yes", "No"}))
	assert.Empty(t, matchOption("irrelevant", opts))
}

func TestCapWords(t *testing.T) {
	long := "one two three four five"
	assert.Equal(t, "one two three", capWords(long, 3))
	assert.Equal(t, long, capWords(long, 10))
}
