package domain

// ResolutionSource says which tier produced a field value.
type ResolutionSource string

const (
	SourceProfile   ResolutionSource = "profile"
	SourceMemory    ResolutionSource = "memory"
	SourceReasoning ResolutionSource = "reasoning-service"
	SourceUser      ResolutionSource = "user"
)

// Resolution is the resolver's answer for one field. Either Value is set, or
// AskUser is true and the fingerprint/question are attached so a human can
// supply and persist an answer later.
type Resolution struct {
	Value       string           `json:"value,omitempty"`
	Source      ResolutionSource `json:"source"`
	AskUser     bool             `json:"ask_user,omitempty"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	Question    string           `json:"question,omitempty"`
}

// TargetContext is the job/company context handed to the reasoning service.
type TargetContext struct {
	Title   string `json:"title"`
	Company string `json:"company"`
}
