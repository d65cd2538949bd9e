package convo

import (
	"bytes"
	"fmt"
	"text/template"
)

// Template names. Tenants may override any of these via TenantConfig.
const (
	TplWelcome            = "welcome"
	TplMainMenu           = "main_menu"
	TplInvalidOption      = "invalid_option"
	TplCoursesList        = "courses_list"
	TplCoursesEmpty       = "courses_empty"
	TplCourseDetail       = "course_detail"
	TplAskFullName        = "ask_full_name"
	TplAskIdentityNumber  = "ask_identity_number"
	TplAskBirthDate       = "ask_birth_date"
	TplAskEmail           = "ask_email"
	TplAskPhone           = "ask_phone"
	TplInvalidFullName    = "invalid_full_name"
	TplInvalidIdentity    = "invalid_identity_number"
	TplInvalidDate        = "invalid_date"
	TplInvalidEmail       = "invalid_email"
	TplInvalidPhone       = "invalid_phone"
	TplEnrollmentSummary  = "enrollment_summary"
	TplEnrollmentDone     = "enrollment_done"
	TplEnrollmentCanceled = "enrollment_canceled"
	TplAskAppointmentDate = "ask_appointment_date"
	TplAppointmentSummary = "appointment_summary"
	TplAppointmentDone    = "appointment_done"
	TplFAQCategories      = "faq_categories"
	TplFAQEmpty           = "faq_empty"
	TplFAQQuestions       = "faq_questions"
	TplFAQAnswer          = "faq_answer"
	TplDocuments          = "documents"
	TplDocumentsReceived  = "documents_received"
	TplHumanTransfer      = "human_transfer"
)

// defaultTexts holds the built-in message templates. Menus and lists are
// rendered as numbered options; the trailing "0" hint keeps the global
// command discoverable.
var defaultTexts = map[string]string{
	TplWelcome: "Hello! Welcome to {{.OrgName}}. I am the virtual assistant.",
	TplMainMenu: "Please choose an option:\n" +
		"{{range .Items}}{{.Index}}. {{.Title}}\n{{end}}" +
		"Reply with the option number. Type *menu* or *0* at any time to return here.",
	TplInvalidOption: "Sorry, I did not understand. Please reply with a number between 1 and {{.Max}}.",
	TplCoursesList: "These are our courses:\n" +
		"{{range .Items}}{{.Index}}. {{.Title}}\n{{end}}" +
		"Reply with a number for details, or *menu* to go back.",
	TplCoursesEmpty:      "Our catalog is being updated. Type *menu* to go back.",
	TplCourseDetail:      "*{{.Name}}*\n{{.Description}}\n\nReply with another number, or *menu* to go back.",
	TplAskFullName:       "Let's get you enrolled! What is your full name?",
	TplAskIdentityNumber: "Thanks, {{.Name}}. Now I need your identity number (11 digits).",
	TplAskBirthDate:      "What is your birth date? Use the format DD/MM/YYYY.",
	TplAskEmail:          "Almost there. What is your email address?",
	TplAskPhone:          "And finally, a contact phone number with area code.",
	TplInvalidFullName:   "That does not look like a full name. Please send your first and last name.",
	TplInvalidIdentity:   "That identity number does not look valid. Please check the digits and try again.",
	TplInvalidDate:       "That date is not valid. Please use the format DD/MM/YYYY.",
	TplInvalidEmail:      "That email address does not look valid. Please try again.",
	TplInvalidPhone:      "That phone number does not look valid. Please send it with the area code.",
	TplEnrollmentSummary: "Please confirm your enrollment data:\n" +
		"Name: {{.FullName}}\n" +
		"Identity: {{.IdentityNumber}}\n" +
		"Birth date: {{.BirthDate}}\n" +
		"Email: {{.Email}}\n" +
		"Phone: {{.Phone}}\n\n" +
		"1. Confirm\n2. Cancel",
	TplEnrollmentDone:     "Enrollment request received! Our team will contact you shortly.",
	TplEnrollmentCanceled: "No problem, the enrollment was canceled.",
	TplAskAppointmentDate: "When would you like to visit us? Send a date in the format DD/MM/YYYY.",
	TplAppointmentSummary: "Confirm your visit:\n" +
		"Date: {{.Date}}\n" +
		"Contact phone: {{.Phone}}\n\n" +
		"1. Confirm\n2. Cancel",
	TplAppointmentDone: "Your visit is booked! See you on {{.Date}}.",
	TplFAQCategories: "What would you like to know about?\n" +
		"{{range .Items}}{{.Index}}. {{.Title}}\n{{end}}" +
		"Reply with a number, or *menu* to go back.",
	TplFAQEmpty: "We have no FAQ entries yet. Type *menu* to go back.",
	TplFAQQuestions: "{{.Category}}:\n" +
		"{{range .Items}}{{.Index}}. {{.Title}}\n{{end}}" +
		"Reply with a number, or *menu* to go back.",
	TplFAQAnswer: "{{.Answer}}\n\nReply with another number, or *menu* to go back.",
	TplDocuments: "For enrollment you will need:\n" +
		"{{range .Items}}- {{.}}\n{{end}}" +
		"You can send photos of your documents here. Type *menu* to go back.",
	TplDocumentsReceived: "Received, thank you! Send the next document, or type *menu* to go back.",
	TplHumanTransfer:     "I am transferring you to one of our attendants. Please wait a moment.",
}

// Renderer renders outbound message texts from named templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses the built-in templates.
func NewRenderer() (*Renderer, error) {
	return newRenderer(defaultTexts, nil)
}

// WithOverrides returns a renderer where the given tenant texts replace the
// defaults. Unknown names are rejected so a typo in tenant config surfaces
// instead of silently falling back.
func (r *Renderer) WithOverrides(overrides map[string]string) (*Renderer, error) {
	if len(overrides) == 0 {
		return r, nil
	}
	return newRenderer(defaultTexts, overrides)
}

func newRenderer(defaults, overrides map[string]string) (*Renderer, error) {
	templates := make(map[string]*template.Template, len(defaults))

	for name := range overrides {
		if _, ok := defaults[name]; !ok {
			return nil, fmt.Errorf("unknown template name %q in overrides", name)
		}
	}

	for name, text := range defaults {
		if override, ok := overrides[name]; ok {
			text = override
		}
		tpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %q: %w", name, err)
		}
		templates[name] = tpl
	}

	return &Renderer{templates: templates}, nil
}

// Render executes the named template with data.
func (r *Renderer) Render(name string, data any) (string, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", name, err)
	}
	return buf.String(), nil
}

// numberedItem is the row shape fed to list templates.
type numberedItem struct {
	Index int
	Title string
}

func numberItems(titles []string) []numberedItem {
	items := make([]numberedItem, len(titles))
	for i, title := range titles {
		items[i] = numberedItem{Index: i + 1, Title: title}
	}
	return items
}
