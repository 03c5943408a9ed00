package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedCollectionPageKey(t *testing.T) {
	coll := OrderedCollection{
		Context:    ActivityStreamsContext,
		Id:         "https://example.social/u/alice/outbox",
		TotalItems: 45,
		PageKey:    "current",
		Page: &OrderedCollectionPage{
			Type:         "OrderedCollectionPage",
			TotalItems:   20,
			PartOf:       "https://example.social/u/alice/outbox",
			OrderedItems: []any{"a", "b"},
			Id:           "https://example.social/u/alice/outbox?page=1",
		},
	}
	data, err := json.Marshal(&coll)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "OrderedCollection", raw["type"])
	assert.Contains(t, raw, "current")
	assert.NotContains(t, raw, "first")
	assert.NotContains(t, raw, "last")

	var back OrderedCollection
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "current", back.PageKey)
	assert.Equal(t, 45, back.TotalItems)
	require.NotNil(t, back.Page)
	assert.Equal(t, 20, back.Page.TotalItems)
	assert.Len(t, back.Page.OrderedItems, 2)
}

func TestOrderedCollectionNoPage(t *testing.T) {
	coll := OrderedCollection{
		Context:    ActivityStreamsContext,
		Id:         "https://example.social/u/alice/followers",
		TotalItems: 0,
	}
	data, err := json.Marshal(&coll)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "first")
	assert.NotContains(t, raw, "current")
	assert.NotContains(t, raw, "last")
}
