package convo

import (
	"encoding/json"
	"fmt"
)

// FlowID names a built-in conversation flow reachable from a menu item.
type FlowID string

const (
	FlowCourses     FlowID = "courses"
	FlowAppointment FlowID = "appointment"
	FlowEnrollment  FlowID = "enrollment"
	FlowFAQ         FlowID = "faq"
	FlowDocuments   FlowID = "documents"
)

// flowState maps a built-in flow to its entry state.
func flowState(flow FlowID) (State, bool) {
	switch flow {
	case FlowCourses:
		return StateCoursesList, true
	case FlowAppointment:
		return StateAppointmentStart, true
	case FlowEnrollment:
		return StateEnrollmentStart, true
	case FlowFAQ:
		return StateFAQCategories, true
	case FlowDocuments:
		return StateDocuments, true
	default:
		return "", false
	}
}

// Action is the sealed set of behaviors a menu item can trigger. The state
// machine switches exhaustively over the concrete types.
type Action interface {
	isAction()
}

// OpenSubmenu pushes a child menu onto the navigation stack.
type OpenSubmenu struct {
	Children []MenuItem
}

// RunFlow enters one of the built-in conversation flows.
type RunFlow struct {
	Flow FlowID
}

// SendText replies with tenant-authored text and stays in the menu.
type SendText struct {
	Text string
}

// TransferToHuman flags the conversation for an operator and silences the
// automation until close-out.
type TransferToHuman struct{}

func (OpenSubmenu) isAction()     {}
func (RunFlow) isAction()         {}
func (SendText) isAction()        {}
func (TransferToHuman) isAction() {}

// Action kind tags used on the wire (CRUD layer supplies menus as JSON).
const (
	actionKindSubmenu  = "open-submenu"
	actionKindFlow     = "run-built-in-flow"
	actionKindSendText = "send-custom-text"
	actionKindTransfer = "transfer-to-human"
)

// MenuItem is one selectable entry of a tenant menu tree.
type MenuItem struct {
	ID     string
	Title  string
	Action Action
}

// menuItemJSON is the wire shape of a MenuItem.
type menuItemJSON struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Action json.RawMessage `json:"action"`
}

type actionJSON struct {
	Kind     string         `json:"kind"`
	Children []menuItemJSON `json:"children,omitempty"`
	Flow     string         `json:"flow,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// UnmarshalJSON decodes the string-tagged action representation into the
// sealed Action types.
func (m *MenuItem) UnmarshalJSON(data []byte) error {
	var raw menuItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal menu item: %w", err)
	}
	if raw.Title == "" {
		return fmt.Errorf("menu item title is required")
	}

	m.ID = raw.ID
	m.Title = raw.Title

	var action actionJSON
	if err := json.Unmarshal(raw.Action, &action); err != nil {
		return fmt.Errorf("failed to unmarshal action for item %q: %w", raw.Title, err)
	}

	switch action.Kind {
	case actionKindSubmenu:
		children := make([]MenuItem, len(action.Children))
		for i := range action.Children {
			childData, err := json.Marshal(action.Children[i])
			if err != nil {
				return fmt.Errorf("failed to re-marshal child item: %w", err)
			}
			if err := children[i].UnmarshalJSON(childData); err != nil {
				return err
			}
		}
		m.Action = OpenSubmenu{Children: children}
	case actionKindFlow:
		if _, ok := flowState(FlowID(action.Flow)); !ok {
			return fmt.Errorf("unknown built-in flow %q for item %q", action.Flow, raw.Title)
		}
		m.Action = RunFlow{Flow: FlowID(action.Flow)}
	case actionKindSendText:
		m.Action = SendText{Text: action.Text}
	case actionKindTransfer:
		m.Action = TransferToHuman{}
	default:
		return fmt.Errorf("unknown action kind %q for item %q", action.Kind, raw.Title)
	}
	return nil
}

// MarshalJSON encodes the Action back into its string-tagged form.
func (m MenuItem) MarshalJSON() ([]byte, error) {
	var action actionJSON
	switch a := m.Action.(type) {
	case OpenSubmenu:
		action.Kind = actionKindSubmenu
		action.Children = make([]menuItemJSON, len(a.Children))
		for i := range a.Children {
			childData, err := json.Marshal(a.Children[i])
			if err != nil {
				return nil, err
			}
			var raw menuItemJSON
			if err := json.Unmarshal(childData, &raw); err != nil {
				return nil, fmt.Errorf("failed to round-trip child item: %w", err)
			}
			action.Children[i] = raw
		}
	case RunFlow:
		action.Kind = actionKindFlow
		action.Flow = string(a.Flow)
	case SendText:
		action.Kind = actionKindSendText
		action.Text = a.Text
	case TransferToHuman:
		action.Kind = actionKindTransfer
	default:
		return nil, fmt.Errorf("menu item %q has no action", m.Title)
	}

	actionData, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(menuItemJSON{ID: m.ID, Title: m.Title, Action: actionData})
}

// Menu is a tenant's menu tree. The engine treats it as an immutable snapshot
// per transition; configuration writes swap in a whole new Menu.
type Menu struct {
	Items []MenuItem `json:"items"`
}

// ItemsAt resolves the item list for a submenu path. An empty path yields the
// root items. Returns false when the path no longer matches the tree (e.g.
// the tenant replaced the menu mid-conversation).
func (menu *Menu) ItemsAt(path []string) ([]MenuItem, bool) {
	items := menu.Items
	for _, nodeID := range path {
		found := false
		for i := range items {
			if items[i].ID == nodeID {
				submenu, ok := items[i].Action.(OpenSubmenu)
				if !ok {
					return nil, false
				}
				items = submenu.Children
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return items, true
}

// DefaultMenu is the six-option menu used when a tenant has no custom config.
// A tenant menu with N root items fully replaces it: valid selections are
// exactly 1..N of the active config.
func DefaultMenu() *Menu {
	return &Menu{Items: []MenuItem{
		{ID: "courses", Title: "Our courses", Action: RunFlow{Flow: FlowCourses}},
		{ID: "appointment", Title: "Schedule a visit", Action: RunFlow{Flow: FlowAppointment}},
		{ID: "enrollment", Title: "Enroll now", Action: RunFlow{Flow: FlowEnrollment}},
		{ID: "faq", Title: "Frequently asked questions", Action: RunFlow{Flow: FlowFAQ}},
		{ID: "documents", Title: "Required documents", Action: RunFlow{Flow: FlowDocuments}},
		{ID: "human", Title: "Talk to a person", Action: TransferToHuman{}},
	}}
}
