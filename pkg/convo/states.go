// Package convo implements the conversation engine: a pure state machine that
// interprets inbound text as global navigation commands or state-scoped input,
// validates captured data, and renders outbound replies from templates.
package convo

// State is one conversation state. The enumeration is closed: a persisted
// value outside it is treated as a corrupt record, never coerced.
type State string

const (
	StateWelcome           State = "WELCOME"
	StateMainMenu          State = "MAIN_MENU"
	StateCoursesList       State = "COURSES_LIST"
	StateAppointmentStart  State = "APPOINTMENT_START"
	StateAppointmentReview State = "APPOINTMENT_CONFIRM"
	StateEnrollmentStart   State = "ENROLLMENT_START"
	StateEnrollmentReview  State = "ENROLLMENT_CONFIRM"
	StateFAQCategories     State = "FAQ_CATEGORIES"
	StateFAQAnswer         State = "FAQ_ANSWER"
	StateHumanTransfer     State = "HUMAN_TRANSFER"
	StateDocuments         State = "DOCUMENTS"
)

func (s State) String() string {
	return string(s)
}

// ParseState validates a persisted state string against the closed enum.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateWelcome, StateMainMenu, StateCoursesList,
		StateAppointmentStart, StateAppointmentReview,
		StateEnrollmentStart, StateEnrollmentReview,
		StateFAQCategories, StateFAQAnswer,
		StateHumanTransfer, StateDocuments:
		return State(s), true
	default:
		return "", false
	}
}

// Captured-data keys written by the state machine.
const (
	// Navigation context
	KeyMenuPath    = "menu_path"    // Stack of submenu node IDs
	KeyFAQCategory = "faq_category" // Selected FAQ category index

	// Enrollment fields, captured in this order
	KeyFullName       = "full_name"
	KeyIdentityNumber = "identity_number"
	KeyBirthDate      = "birth_date"
	KeyEmail          = "email"
	KeyPhone          = "phone"

	// Appointment fields
	KeyAppointmentDate  = "appointment_date"
	KeyAppointmentPhone = "appointment_phone"

	// Contact enrichment
	KeyContactName    = "contact_name"
	KeyContactProfile = "contact_profile"
)
