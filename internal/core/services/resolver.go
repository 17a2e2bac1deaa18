package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/heisenworks/applyos/internal/core/domain"
)

// Resolver answers form fields through a fixed tier order: static profile
// lookup, learned-answer memory, the ask-user gate, the reasoning service,
// and finally a user escalation when everything else comes up empty.
type Resolver struct {
	logger           *slog.Logger
	memory           *MemoryStore
	reasoningTimeout time.Duration

	mu       sync.RWMutex
	provider domain.LLMProvider
}

func NewResolver(logger *slog.Logger, memory *MemoryStore, provider domain.LLMProvider, reasoningTimeout time.Duration) *Resolver {
	if reasoningTimeout <= 0 {
		reasoningTimeout = 25 * time.Second
	}
	return &Resolver{
		logger:           logger,
		memory:           memory,
		provider:         provider,
		reasoningTimeout: reasoningTimeout,
	}
}

// SetProvider swaps the reasoning provider, e.g. after a settings change.
func (r *Resolver) SetProvider(p domain.LLMProvider) {
	r.mu.Lock()
	r.provider = p
	r.mu.Unlock()
}

// Resolve produces a value or an ask-user escalation for one field. Choice
// fields always resolve to one of their listed options. Answers produced by
// the reasoning service are persisted to memory before returning.
func (r *Resolver) Resolve(ctx context.Context, field domain.Field, profile domain.Profile, target domain.TargetContext) (domain.Resolution, error) {
	question := field.Question()
	if question == "" {
		return r.askUser(field), nil
	}

	// Tier 1: static profile
	if v := profileAnswer(profile, field); v != "" {
		if field.Kind.Choice() {
			if opt := matchOption(v, field.Options); opt != "" {
				return domain.Resolution{Value: opt, Source: domain.SourceProfile}, nil
			}
		} else {
			return domain.Resolution{Value: v, Source: domain.SourceProfile}, nil
		}
	}

	// Tier 2: learned answers
	remembered, err := r.memory.Lookup(ctx, question)
	if err != nil {
		return domain.Resolution{}, err
	}
	if remembered != "" {
		if field.Kind.Choice() {
			if opt := matchOption(remembered, field.Options); opt != "" {
				return domain.Resolution{Value: opt, Source: domain.SourceMemory}, nil
			}
		} else {
			return domain.Resolution{Value: remembered, Source: domain.SourceMemory}, nil
		}
	}

	// Tier 3: sensitive or high-stakes questions go straight to the user
	if requiresUser(field) {
		r.logger.Info("field gated to user", "question", question)
		return r.askUser(field), nil
	}

	// Tier 4: reasoning service
	answer, err := r.reason(ctx, field, profile, target)
	if err != nil {
		r.logger.Warn("reasoning service failed, escalating to user",
			"question", question, "error", err)
		return r.askUser(field), nil
	}
	if answer != "" {
		if rememberErr := r.memory.Remember(ctx, question, answer); rememberErr != nil {
			r.logger.Warn("could not persist reasoned answer", "error", rememberErr)
		}
		return domain.Resolution{Value: answer, Source: domain.SourceReasoning}, nil
	}

	// Tier 5: nothing worked
	return r.askUser(field), nil
}

func (r *Resolver) askUser(field domain.Field) domain.Resolution {
	q := field.Question()
	return domain.Resolution{
		AskUser:     true,
		Source:      domain.SourceUser,
		Fingerprint: Fingerprint(q),
		Question:    q,
	}
}

// reason queries the reasoning service under a hard timeout and validates
// its answer against the field's constraints.
func (r *Resolver) reason(ctx context.Context, field domain.Field, profile domain.Profile, target domain.TargetContext) (string, error) {
	r.mu.RLock()
	provider := r.provider
	r.mu.RUnlock()
	if provider == nil {
		return "", fmt.Errorf("no reasoning provider configured")
	}

	rctx, cancel := context.WithTimeout(ctx, r.reasoningTimeout)
	defer cancel()

	raw, err := provider.GenerateText(rctx, buildPrompt(field, profile, target))
	if err != nil {
		if rctx.Err() != nil {
			return "", domain.ErrReasoningTimeout
		}
		return "", fmt.Errorf("generate answer: %w", err)
	}

	answer := sanitizeAnswer(raw)
	if answer == "" {
		return "", nil
	}
	if field.Kind.Choice() {
		return matchOption(answer, field.Options), nil
	}
	return capWords(answer, 50), nil
}

// requiresUser gates fields that must never be auto-answered: legal
// declarations, compensation numbers, and wide open-ended choice lists.
func requiresUser(field domain.Field) bool {
	q := strings.ToLower(field.Question())

	for _, kw := range []string{"legal", "authoriz", "agree", "declar", "consent", "visa", "sponsor"} {
		if strings.Contains(q, kw) {
			return true
		}
	}

	if field.Kind == domain.FieldNumber {
		for _, kw := range []string{"salary", "stipend", "compensation", "ctc", "years", "experience"} {
			if strings.Contains(q, kw) {
				return true
			}
		}
	}

	if field.Kind.Choice() && len(field.Options) > 3 {
		if !strings.Contains(q, "country") && !strings.Contains(q, "state") {
			return true
		}
	}

	return false
}

// profileAnswer maps a field's question onto the static profile by label
// keywords. CommonAnswers entries are checked first and win outright.
func profileAnswer(p domain.Profile, field domain.Field) string {
	q := strings.ToLower(field.Question())

	for key, answer := range p.CommonAnswers {
		if key != "" && strings.Contains(q, strings.ToLower(key)) {
			return answer
		}
	}

	switch field.Kind {
	case domain.FieldEmail:
		return p.Email
	case domain.FieldTel:
		return p.Phone
	}

	has := func(kws ...string) bool {
		for _, kw := range kws {
			if strings.Contains(q, kw) {
				return true
			}
		}
		return false
	}

	switch {
	case has("email", "e-mail"):
		return p.Email
	case has("phone", "mobile", "contact number", "tel"):
		return p.Phone
	case has("first name"):
		return p.First()
	case has("last name", "surname", "family name"):
		return p.Last()
	case has("full name", "your name"):
		return p.FullName
	case has("linkedin"):
		return p.LinkedInURL
	case has("portfolio", "website", "personal site", "url"):
		return p.PortfolioURL
	case has("city", "location", "where are you based", "current location"):
		return p.City
	case has("university", "school", "college", "institution"):
		return p.University
	case has("degree"):
		return p.Degree
	case has("major", "field of study"):
		return p.Major
	case has("graduation", "grad year"):
		return p.GraduationYear
	case has("gpa", "grade"):
		return p.GPA
	case has("skill"):
		return p.Skills
	case has("years of experience", "experience (years", "how many years"):
		return p.YearsExperience
	case has("notice period"):
		return p.Preferences.NoticePeriod
	case has("stipend"):
		return p.Preferences.ExpectedStipend
	case has("expected ctc", "expected compensation"):
		return p.Preferences.ExpectedCTC
	case has("work mode", "remote", "hybrid", "on-site", "onsite"):
		return p.Preferences.WorkMode
	}
	return ""
}

// matchOption maps a free-text answer onto one of the field's options:
// exact match first, then containment either way, then a yes/no heuristic.
// Returns "" when nothing matches.
func matchOption(answer string, options []string) string {
	if len(options) == 0 {
		return ""
	}
	a := strings.ToLower(strings.TrimSpace(answer))

	for _, opt := range options {
		if strings.ToLower(strings.TrimSpace(opt)) == a {
			return opt
		}
	}
	for _, opt := range options {
		o := strings.ToLower(strings.TrimSpace(opt))
		if strings.Contains(o, a) || strings.Contains(a, o) {
			return opt
		}
	}

	affirmative := strings.HasPrefix(a, "yes") || strings.HasPrefix(a, "i do") || strings.HasPrefix(a, "i am") || strings.HasPrefix(a, "i have")
	negative := strings.HasPrefix(a, "no") || strings.HasPrefix(a, "i do not") || strings.HasPrefix(a, "i don't")
	for _, opt := range options {
		o := strings.ToLower(opt)
		if affirmative && strings.HasPrefix(o, "yes") {
			return opt
		}
		if negative && strings.HasPrefix(o, "no") {
			return opt
		}
	}
	return ""
}

// buildPrompt assembles the reasoning request: candidate profile, target
// context, the question, allowed options, and the hard answering rules.
func buildPrompt(field domain.Field, profile domain.Profile, target domain.TargetContext) string {
	profileJSON, _ := json.MarshalIndent(profile, "", "  ")

	var b strings.Builder
	b.WriteString("You are filling out a job application form on behalf of a candidate.\n\n")
	b.WriteString("CANDIDATE PROFILE:\n")
	b.Write(profileJSON)
	b.WriteString("\n\n")
	if target.Title != "" || target.Company != "" {
		fmt.Fprintf(&b, "APPLYING FOR: %s at %s\n\n", target.Title, target.Company)
	}
	fmt.Fprintf(&b, "QUESTION: %s\n", field.Question())
	if len(field.Options) > 0 {
		b.WriteString("You MUST answer with exactly one of these options:\n")
		for _, opt := range field.Options {
			fmt.Fprintf(&b, "- %s\n", opt)
		}
	}
	b.WriteString("\nHARD RULES:\n")
	b.WriteString("1. Answer ONLY with the value to put in the field. No explanation, no preamble, no quotes.\n")
	b.WriteString("2. Never invent facts absent from the profile. If the profile does not contain the answer, reply with an empty string.\n")
	b.WriteString("3. Keep the answer under 50 words.\n")
	b.WriteString("4. For yes/no questions, answer favorably for the candidate only when the profile supports it.\n")
	b.WriteString("\nOVERRIDES (these beat the profile and rules above):\n")
	fmt.Fprintf(&b, "- Asked whether an unpaid role is acceptable: answer No.\n")
	fmt.Fprintf(&b, "- Asked for current CTC, current salary, or current compensation: answer 0.\n")
	fmt.Fprintf(&b, "- Asked for expected stipend: answer %s.\n", orDefault(profile.Preferences.ExpectedStipend, "As per company norms"))
	fmt.Fprintf(&b, "- Asked for expected CTC or expected compensation: answer %s.\n", orDefault(profile.Preferences.ExpectedCTC, "As per company norms"))
	fmt.Fprintf(&b, "- Asked for notice period or joining date: answer %s.\n", orDefault(profile.Preferences.NoticePeriod, "Immediately"))
	fmt.Fprintf(&b, "- Asked about willingness to relocate: answer Yes.\n")
	fmt.Fprintf(&b, "- Asked for preferred work mode: answer %s.\n", orDefault(profile.Preferences.WorkMode, "Hybrid or in-office"))
	fmt.Fprintf(&b, "- Asked whether the candidate needs visa sponsorship: answer No.\n")
	return b.String()
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// sanitizeAnswer strips quoting and prefix chatter the reasoning service
// sometimes wraps around the value.
func sanitizeAnswer(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"'`")
	for _, prefix := range []string{"answer:", "Answer:", "ANSWER:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	if strings.EqualFold(s, "n/a") || strings.EqualFold(s, "unknown") || strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

func capWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
