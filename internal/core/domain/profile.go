package domain

import "strings"

// Preferences hold the hard override answers embedded in reasoning prompts.
type Preferences struct {
	ExpectedStipend string `json:"expected_stipend"`
	ExpectedCTC     string `json:"expected_ctc"`
	NoticePeriod    string `json:"notice_period"`
	WorkMode        string `json:"work_mode"`
}

// Profile is the candidate's static profile. The resolver reads it directly;
// the reasoning service receives it embedded in the prompt. CRUD for profiles
// lives in an external backend; the kernel only stores the latest copy.
type Profile struct {
	FullName          string            `json:"full_name"`
	FirstName         string            `json:"first_name"`
	LastName          string            `json:"last_name"`
	Email             string            `json:"email"`
	Phone             string            `json:"phone"`
	City              string            `json:"city"`
	LinkedInURL       string            `json:"linkedin_url"`
	PortfolioURL      string            `json:"portfolio_url"`
	Degree            string            `json:"degree"`
	Major             string            `json:"major"`
	University        string            `json:"university"`
	GraduationYear    string            `json:"graduation_year"`
	GPA               string            `json:"gpa"`
	Skills            string            `json:"skills"`
	YearsExperience   string            `json:"years_experience"`
	ExperienceSummary string            `json:"experience_summary"`
	Preferences       Preferences       `json:"preferences"`
	CommonAnswers     map[string]string `json:"common_answers,omitempty"`
}

// First returns the first name, falling back to the full name's first word.
func (p Profile) First() string {
	if p.FirstName != "" {
		return p.FirstName
	}
	parts := strings.Fields(p.FullName)
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

// Last returns the last name, falling back to the full name's remainder.
func (p Profile) Last() string {
	if p.LastName != "" {
		return p.LastName
	}
	parts := strings.Fields(p.FullName)
	if len(parts) > 1 {
		return strings.Join(parts[1:], " ")
	}
	return ""
}
