package convo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMenuJSONRoundTrip(t *testing.T) {
	original := &Menu{Items: []MenuItem{
		{ID: "courses", Title: "Courses", Action: RunFlow{Flow: FlowCourses}},
		{ID: "hours", Title: "Opening hours", Action: SendText{Text: "8-18, Mon-Fri"}},
		{ID: "more", Title: "More options", Action: OpenSubmenu{Children: []MenuItem{
			{ID: "human", Title: "Attendant", Action: TransferToHuman{}},
			{ID: "faq", Title: "FAQ", Action: RunFlow{Flow: FlowFAQ}},
		}}},
	}}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Menu
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.Items, decoded.Items)
}

func TestMenuItemUnmarshalRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing title": `{"id":"x","action":{"kind":"transfer-to-human"}}`,
		"unknown kind":  `{"id":"x","title":"X","action":{"kind":"explode"}}`,
		"unknown flow":  `{"id":"x","title":"X","action":{"kind":"run-built-in-flow","flow":"time-travel"}}`,
	}
	for name, raw := range cases {
		var item MenuItem
		assert.Error(t, json.Unmarshal([]byte(raw), &item), name)
	}
}

func TestItemsAtResolvesNestedPath(t *testing.T) {
	menu := &Menu{Items: []MenuItem{
		{ID: "a", Title: "A", Action: OpenSubmenu{Children: []MenuItem{
			{ID: "b", Title: "B", Action: OpenSubmenu{Children: []MenuItem{
				{ID: "leaf", Title: "Leaf", Action: TransferToHuman{}},
			}}},
		}}},
	}}

	items, ok := menu.ItemsAt(nil)
	require.True(t, ok)
	assert.Len(t, items, 1)

	items, ok = menu.ItemsAt([]string{"a", "b"})
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "Leaf", items[0].Title)

	_, ok = menu.ItemsAt([]string{"a", "gone"})
	assert.False(t, ok)

	// Descending through a non-submenu item is a dead path.
	_, ok = menu.ItemsAt([]string{"a", "b", "leaf"})
	assert.False(t, ok)
}

func TestRendererRejectsUnknownOverride(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.WithOverrides(map[string]string{"no_such_template": "hi"})
	assert.Error(t, err)

	custom, err := r.WithOverrides(map[string]string{TplWelcome: "Oi! {{.OrgName}} here."})
	require.NoError(t, err)

	text, err := custom.Render(TplWelcome, map[string]string{"OrgName": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "Oi! Acme here.", text)
}
