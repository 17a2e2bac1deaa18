package domain

import "strings"

// FieldKind is the input kind reported by the page inspector.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldEmail    FieldKind = "email"
	FieldTel      FieldKind = "tel"
	FieldNumber   FieldKind = "number"
	FieldTextarea FieldKind = "textarea"
	FieldSelect   FieldKind = "select"
	FieldRadio    FieldKind = "radio"
	FieldCheckbox FieldKind = "checkbox"
	FieldLocation FieldKind = "location"
	FieldFile     FieldKind = "file"
)

// Choice reports whether the field resolves to one of an enumerated set.
func (k FieldKind) Choice() bool {
	return k == FieldSelect || k == FieldRadio || k == FieldCheckbox
}

// Field is one visible input inside the submission container.
type Field struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Placeholder string    `json:"placeholder"`
	Kind        FieldKind `json:"kind"`
	Options     []string  `json:"options,omitempty"`
	Value       string    `json:"value"`
	Required    bool      `json:"required"`
}

// Question returns the text the field asks, preferring the label.
func (f Field) Question() string {
	if q := strings.TrimSpace(f.Label); q != "" {
		return q
	}
	return strings.TrimSpace(f.Placeholder)
}

// Filled reports whether the field already holds a value. Filled fields are
// never overwritten.
func (f Field) Filled() bool {
	return strings.TrimSpace(f.Value) != ""
}

// ButtonKind classifies the primary action control.
type ButtonKind string

const (
	ButtonSubmit   ButtonKind = "submit"
	ButtonReview   ButtonKind = "review"
	ButtonContinue ButtonKind = "continue"
	ButtonNext     ButtonKind = "next"
	ButtonUnknown  ButtonKind = "unknown"
)

// Advances reports whether invoking the button moves to another step rather
// than finishing the run.
func (k ButtonKind) Advances() bool {
	return k == ButtonReview || k == ButtonContinue || k == ButtonNext
}

// ActionButton is the primary action control of the current step.
type ActionButton struct {
	Label     string     `json:"label"`
	AriaLabel string     `json:"aria_label"`
	Kind      ButtonKind `json:"kind"`
}

// ClassifyButton maps visible text and accessible label to a ButtonKind.
// Submit-like labels dominate review, which dominates continue, which
// dominates next. Matching is case-insensitive over both texts.
func ClassifyButton(label, ariaLabel string) ButtonKind {
	t := strings.ToLower(label) + " " + strings.ToLower(ariaLabel)
	switch {
	case strings.Contains(t, "submit"):
		return ButtonSubmit
	case strings.Contains(t, "review"):
		return ButtonReview
	case strings.Contains(t, "continue"):
		return ButtonContinue
	case strings.Contains(t, "next"):
		return ButtonNext
	default:
		return ButtonUnknown
	}
}

// RiskSignal is a page-level danger sign the safety monitor reacts to.
type RiskSignal string

const (
	RiskCaptcha         RiskSignal = "CAPTCHA"
	RiskRestricted      RiskSignal = "ACCOUNT_RESTRICTED"
	RiskLoggedOut       RiskSignal = "LOGGED_OUT"
	RiskUnexpectedModal RiskSignal = "UNEXPECTED_MODAL"
)

// Observation is an immutable snapshot of the page as reported by the
// inspector. The automaton's tick is a pure function of the latest one.
type Observation struct {
	ContainerOpen     bool          `json:"container_open"`
	EntryPointVisible bool          `json:"entry_point_visible"`
	Fields            []Field       `json:"fields,omitempty"`
	Button            *ActionButton `json:"button,omitempty"`
	ValidationErrors  []string      `json:"validation_errors,omitempty"`
	SubmitConfirmed   bool          `json:"submit_confirmed"`
	AlreadyApplied    bool          `json:"already_applied"`
	NotAccepting      bool          `json:"not_accepting"`
	Risks             []RiskSignal  `json:"risks,omitempty"`
}

// FormReady reports whether the container holds at least one visible input
// and a recognizable action control.
func (o Observation) FormReady() bool {
	return o.ContainerOpen && len(o.Fields) > 0 &&
		o.Button != nil && o.Button.Kind != ButtonUnknown
}

// HasValidationErrors reports whether the current step is blocked.
func (o Observation) HasValidationErrors() bool {
	return len(o.ValidationErrors) > 0
}
