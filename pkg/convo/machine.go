package convo

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatpilot/pkg/session"
	"chatpilot/pkg/validate"
)

// Milestone marks a transition external systems react to.
type Milestone string

const (
	MilestoneHumanTransfer        Milestone = "human-transfer"
	MilestoneEnrollmentConfirmed  Milestone = "enrollment-confirmed"
	MilestoneAppointmentConfirmed Milestone = "appointment-confirmed"
)

// Result is the outcome of one transition: the successor record, the replies
// to send in order, and any milestones the transition crossed.
type Result struct {
	Record     *session.Record
	Replies    []string
	Milestones []Milestone
}

// Transition computes the successor of record for one inbound text. It is a
// pure function of (record, rawInput, cfg snapshot); the only clock use is
// stamping UpdatedAt with now.
//
// Global commands ("menu"/"0") are evaluated before any state-specific
// matching, from every non-WELCOME state. This is deliberate: even a menu
// whose item text is literally "menu" cannot shadow the escape hatch, so the
// main menu stays reachable from arbitrary submenu depth.
//
// Invalid user input never fails: the state is preserved and a re-prompt is
// returned. The only error is a persisted state outside the closed enum,
// which surfaces as session.ErrCorrupt.
func Transition(record *session.Record, rawInput string, cfg *TenantConfig, r *Renderer, now time.Time) (*Result, error) {
	state, ok := ParseState(record.State)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown state %q", session.ErrCorrupt, record.Key, record.State)
	}

	next := record.Clone()
	next.UpdatedAt = now
	res := &Result{Record: next}

	norm := strings.ToLower(strings.TrimSpace(rawInput))

	// Global command check wins over state-specific handling.
	if state != StateWelcome && isGlobalCommand(norm) {
		resetToMainMenu(next)
		return res, res.reply(r, TplMainMenu, menuData(next, cfg))
	}

	switch state {
	case StateWelcome:
		// Any first-contact input advances to the main menu.
		next.State = StateMainMenu.String()
		org := cfg.OrgName
		if org == "" {
			org = "our team"
		}
		if err := res.reply(r, TplWelcome, map[string]string{"OrgName": org}); err != nil {
			return nil, err
		}
		return res, res.reply(r, TplMainMenu, menuData(next, cfg))

	case StateMainMenu:
		return res, handleMenu(res, next, norm, cfg, r)

	case StateCoursesList:
		return res, handleCourses(res, norm, cfg, r)

	case StateEnrollmentStart:
		return res, handleEnrollmentCapture(res, next, rawInput, r)

	case StateEnrollmentReview:
		return res, handleEnrollmentReview(res, next, norm, cfg, r)

	case StateAppointmentStart:
		return res, handleAppointmentCapture(res, next, rawInput, r)

	case StateAppointmentReview:
		return res, handleAppointmentReview(res, next, norm, cfg, r)

	case StateFAQCategories:
		return res, handleFAQCategories(res, next, norm, cfg, r)

	case StateFAQAnswer:
		return res, handleFAQAnswer(res, next, norm, cfg, r)

	case StateDocuments:
		return res, res.reply(r, TplDocumentsReceived, nil)

	case StateHumanTransfer:
		// Absorbing: automation is silent until an operator closes out or a
		// global command resets the session.
		return res, nil
	}

	return res, nil
}

func isGlobalCommand(norm string) bool {
	return norm == "menu" || norm == "0"
}

// resetToMainMenu clears navigation context and the human-transfer flag but
// keeps captured personal data.
func resetToMainMenu(next *session.Record) {
	next.State = StateMainMenu.String()
	next.Flags.AwaitingHuman = false
	delete(next.CapturedData, KeyMenuPath)
	delete(next.CapturedData, KeyFAQCategory)
}

func (res *Result) reply(r *Renderer, name string, data any) error {
	text, err := r.Render(name, data)
	if err != nil {
		return err
	}
	res.Replies = append(res.Replies, text)
	return nil
}

// menuPath reads the submenu stack from captured data. JSON round-trips turn
// []string into []any, so both shapes are accepted.
func menuPath(record *session.Record) []string {
	raw, ok := record.CapturedData[KeyMenuPath]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		path := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				path = append(path, s)
			}
		}
		return path
	default:
		return nil
	}
}

// menuData builds the template payload for the menu at the record's current
// submenu depth.
func menuData(record *session.Record, cfg *TenantConfig) map[string]any {
	items, ok := cfg.ActiveMenu().ItemsAt(menuPath(record))
	if !ok {
		// Stale path after a config change: fall back to the root.
		delete(record.CapturedData, KeyMenuPath)
		items = cfg.ActiveMenu().Items
	}
	titles := make([]string, len(items))
	for i := range items {
		titles[i] = items[i].Title
	}
	return map[string]any{"Items": numberItems(titles)}
}

func handleMenu(res *Result, next *session.Record, norm string, cfg *TenantConfig, r *Renderer) error {
	path := menuPath(next)
	items, ok := cfg.ActiveMenu().ItemsAt(path)
	if !ok {
		delete(next.CapturedData, KeyMenuPath)
		path = nil
		items = cfg.ActiveMenu().Items
	}

	n, err := strconv.Atoi(norm)
	if err != nil || n < 1 || n > len(items) {
		// Invalid selection: state and captured data untouched.
		return res.reply(r, TplInvalidOption, map[string]int{"Max": len(items)})
	}

	item := items[n-1]
	switch action := item.Action.(type) {
	case OpenSubmenu:
		nodeID := item.ID
		if nodeID == "" {
			nodeID = strconv.Itoa(n)
		}
		next.CapturedData[KeyMenuPath] = append(append([]string{}, path...), nodeID)
		return res.reply(r, TplMainMenu, menuData(next, cfg))

	case RunFlow:
		target, _ := flowState(action.Flow)
		next.State = target.String()
		delete(next.CapturedData, KeyMenuPath)
		return enterFlow(res, next, action.Flow, cfg, r)

	case SendText:
		res.Replies = append(res.Replies, action.Text)
		return nil

	case TransferToHuman:
		next.State = StateHumanTransfer.String()
		next.Flags.AwaitingHuman = true
		delete(next.CapturedData, KeyMenuPath)
		res.Milestones = append(res.Milestones, MilestoneHumanTransfer)
		return res.reply(r, TplHumanTransfer, nil)
	}

	return fmt.Errorf("menu item %q has no action", item.Title)
}

// enterFlow renders the entry prompt of a built-in flow.
func enterFlow(res *Result, next *session.Record, flow FlowID, cfg *TenantConfig, r *Renderer) error {
	switch flow {
	case FlowCourses:
		return promptCourses(res, cfg, r)
	case FlowEnrollment:
		return promptNextEnrollmentField(res, next, r)
	case FlowAppointment:
		return res.reply(r, TplAskAppointmentDate, nil)
	case FlowFAQ:
		return promptFAQCategories(res, cfg, r)
	case FlowDocuments:
		docs := cfg.Documents
		if len(docs) == 0 {
			docs = []string{"Identity document", "Proof of address"}
		}
		return res.reply(r, TplDocuments, map[string]any{"Items": docs})
	}
	return fmt.Errorf("unknown flow %q", flow)
}

func promptCourses(res *Result, cfg *TenantConfig, r *Renderer) error {
	if len(cfg.Courses) == 0 {
		return res.reply(r, TplCoursesEmpty, nil)
	}
	titles := make([]string, len(cfg.Courses))
	for i := range cfg.Courses {
		titles[i] = cfg.Courses[i].Name
	}
	return res.reply(r, TplCoursesList, map[string]any{"Items": numberItems(titles)})
}

func handleCourses(res *Result, norm string, cfg *TenantConfig, r *Renderer) error {
	n, err := strconv.Atoi(norm)
	if err != nil || n < 1 || n > len(cfg.Courses) {
		return promptCourses(res, cfg, r)
	}
	course := cfg.Courses[n-1]
	return res.reply(r, TplCourseDetail, map[string]string{
		"Name":        course.Name,
		"Description": course.Description,
	})
}

// enrollmentFields defines the capture order. The current step is derived
// from the first missing field, so a "menu" detour resumes where it left off.
var enrollmentFields = []struct {
	key        string
	prompt     string
	invalid    string
	validate   func(string) bool
	storeValue func(string) string
}{
	{
		key:        KeyFullName,
		prompt:     TplAskFullName,
		invalid:    TplInvalidFullName,
		validate:   validFullName,
		storeValue: strings.TrimSpace,
	},
	{
		key:        KeyIdentityNumber,
		prompt:     TplAskIdentityNumber,
		invalid:    TplInvalidIdentity,
		validate:   validate.IdentityNumber,
		storeValue: strings.TrimSpace,
	},
	{
		key:        KeyBirthDate,
		prompt:     TplAskBirthDate,
		invalid:    TplInvalidDate,
		validate:   validate.Date,
		storeValue: strings.TrimSpace,
	},
	{
		key:        KeyEmail,
		prompt:     TplAskEmail,
		invalid:    TplInvalidEmail,
		validate:   validate.Email,
		storeValue: strings.TrimSpace,
	},
	{
		key:        KeyPhone,
		prompt:     TplAskPhone,
		invalid:    TplInvalidPhone,
		validate:   validate.Phone,
		storeValue: strings.TrimSpace,
	},
}

func validFullName(s string) bool {
	trimmed := strings.TrimSpace(s)
	return len(trimmed) >= 5 && strings.Contains(trimmed, " ")
}

func missingEnrollmentField(record *session.Record) int {
	for i := range enrollmentFields {
		if _, ok := record.CapturedData[enrollmentFields[i].key]; !ok {
			return i
		}
	}
	return -1
}

func promptNextEnrollmentField(res *Result, next *session.Record, r *Renderer) error {
	i := missingEnrollmentField(next)
	if i < 0 {
		next.State = StateEnrollmentReview.String()
		return res.reply(r, TplEnrollmentSummary, enrollmentSummaryData(next))
	}
	if enrollmentFields[i].key == KeyIdentityNumber {
		name, _ := next.CapturedData[KeyFullName].(string)
		return res.reply(r, enrollmentFields[i].prompt, map[string]string{"Name": firstName(name)})
	}
	return res.reply(r, enrollmentFields[i].prompt, nil)
}

func firstName(fullName string) string {
	parts := strings.Fields(fullName)
	if len(parts) == 0 {
		return fullName
	}
	return parts[0]
}

func enrollmentSummaryData(record *session.Record) map[string]any {
	get := func(key string) string {
		v, _ := record.CapturedData[key].(string)
		return v
	}
	return map[string]any{
		"FullName":       get(KeyFullName),
		"IdentityNumber": get(KeyIdentityNumber),
		"BirthDate":      get(KeyBirthDate),
		"Email":          get(KeyEmail),
		"Phone":          get(KeyPhone),
	}
}

func handleEnrollmentCapture(res *Result, next *session.Record, rawInput string, r *Renderer) error {
	i := missingEnrollmentField(next)
	if i < 0 {
		next.State = StateEnrollmentReview.String()
		return res.reply(r, TplEnrollmentSummary, enrollmentSummaryData(next))
	}

	field := enrollmentFields[i]
	if !field.validate(rawInput) {
		// Validation failure: re-prompt, no state or data change.
		return res.reply(r, field.invalid, nil)
	}

	next.CapturedData[field.key] = field.storeValue(rawInput)
	return promptNextEnrollmentField(res, next, r)
}

func handleEnrollmentReview(res *Result, next *session.Record, norm string, cfg *TenantConfig, r *Renderer) error {
	switch norm {
	case "1":
		next.State = StateMainMenu.String()
		res.Milestones = append(res.Milestones, MilestoneEnrollmentConfirmed)
		if err := res.reply(r, TplEnrollmentDone, nil); err != nil {
			return err
		}
		return res.reply(r, TplMainMenu, menuData(next, cfg))
	case "2":
		next.State = StateMainMenu.String()
		for _, field := range enrollmentFields {
			delete(next.CapturedData, field.key)
		}
		if err := res.reply(r, TplEnrollmentCanceled, nil); err != nil {
			return err
		}
		return res.reply(r, TplMainMenu, menuData(next, cfg))
	default:
		return res.reply(r, TplEnrollmentSummary, enrollmentSummaryData(next))
	}
}

func handleAppointmentCapture(res *Result, next *session.Record, rawInput string, r *Renderer) error {
	if _, ok := next.CapturedData[KeyAppointmentDate]; !ok {
		if !validate.Date(strings.TrimSpace(rawInput)) {
			return res.reply(r, TplInvalidDate, nil)
		}
		next.CapturedData[KeyAppointmentDate] = strings.TrimSpace(rawInput)
		return res.reply(r, TplAskPhone, nil)
	}

	if !validate.Phone(rawInput) {
		return res.reply(r, TplInvalidPhone, nil)
	}
	next.CapturedData[KeyAppointmentPhone] = strings.TrimSpace(rawInput)
	next.State = StateAppointmentReview.String()
	return res.reply(r, TplAppointmentSummary, appointmentSummaryData(next))
}

func appointmentSummaryData(record *session.Record) map[string]any {
	date, _ := record.CapturedData[KeyAppointmentDate].(string)
	phone, _ := record.CapturedData[KeyAppointmentPhone].(string)
	return map[string]any{"Date": date, "Phone": phone}
}

func handleAppointmentReview(res *Result, next *session.Record, norm string, cfg *TenantConfig, r *Renderer) error {
	switch norm {
	case "1":
		date, _ := next.CapturedData[KeyAppointmentDate].(string)
		next.State = StateMainMenu.String()
		res.Milestones = append(res.Milestones, MilestoneAppointmentConfirmed)
		if err := res.reply(r, TplAppointmentDone, map[string]string{"Date": date}); err != nil {
			return err
		}
		return res.reply(r, TplMainMenu, menuData(next, cfg))
	case "2":
		next.State = StateMainMenu.String()
		delete(next.CapturedData, KeyAppointmentDate)
		delete(next.CapturedData, KeyAppointmentPhone)
		if err := res.reply(r, TplEnrollmentCanceled, nil); err != nil {
			return err
		}
		return res.reply(r, TplMainMenu, menuData(next, cfg))
	default:
		return res.reply(r, TplAppointmentSummary, appointmentSummaryData(next))
	}
}

func promptFAQCategories(res *Result, cfg *TenantConfig, r *Renderer) error {
	if len(cfg.FAQ) == 0 {
		return res.reply(r, TplFAQEmpty, nil)
	}
	titles := make([]string, len(cfg.FAQ))
	for i := range cfg.FAQ {
		titles[i] = cfg.FAQ[i].Name
	}
	return res.reply(r, TplFAQCategories, map[string]any{"Items": numberItems(titles)})
}

func handleFAQCategories(res *Result, next *session.Record, norm string, cfg *TenantConfig, r *Renderer) error {
	n, err := strconv.Atoi(norm)
	if err != nil || n < 1 || n > len(cfg.FAQ) {
		return promptFAQCategories(res, cfg, r)
	}

	next.CapturedData[KeyFAQCategory] = n - 1
	next.State = StateFAQAnswer.String()
	return promptFAQQuestions(res, cfg.FAQ[n-1], r)
}

func promptFAQQuestions(res *Result, category FAQCategory, r *Renderer) error {
	titles := make([]string, len(category.Entries))
	for i := range category.Entries {
		titles[i] = category.Entries[i].Question
	}
	return res.reply(r, TplFAQQuestions, map[string]any{
		"Category": category.Name,
		"Items":    numberItems(titles),
	})
}

func handleFAQAnswer(res *Result, next *session.Record, norm string, cfg *TenantConfig, r *Renderer) error {
	idx, ok := intFromAny(next.CapturedData[KeyFAQCategory])
	if !ok || idx < 0 || idx >= len(cfg.FAQ) {
		// Category vanished from config; back to the category list.
		next.State = StateFAQCategories.String()
		delete(next.CapturedData, KeyFAQCategory)
		return promptFAQCategories(res, cfg, r)
	}

	category := cfg.FAQ[idx]
	n, err := strconv.Atoi(norm)
	if err != nil || n < 1 || n > len(category.Entries) {
		return promptFAQQuestions(res, category, r)
	}
	return res.reply(r, TplFAQAnswer, map[string]string{"Answer": category.Entries[n-1].Answer})
}

// intFromAny reads an int that may have round-tripped through JSON as a
// float64.
func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
