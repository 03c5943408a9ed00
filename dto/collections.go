package dto

import "encoding/json"

// OrderedCollection is the two-level paged collection envelope. Exactly one
// page is embedded, and the key it lives under depends on its position, so
// marshaling is custom.
type OrderedCollection struct {
	Context    any
	Id         string
	TotalItems int
	PageKey    string // "first", "current" or "last"
	Page       *OrderedCollectionPage
}

type OrderedCollectionPage struct {
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	PartOf       string `json:"partOf"`
	OrderedItems []any  `json:"orderedItems"`
	Id           string `json:"id"`
}

func (c *OrderedCollection) MarshalJSON() ([]byte, error) {
	doc := map[string]any{
		"@context":   c.Context,
		"type":       "OrderedCollection",
		"id":         c.Id,
		"totalItems": c.TotalItems,
	}
	if c.Page != nil {
		doc[c.PageKey] = c.Page
	}
	return json.Marshal(doc)
}

func (c *OrderedCollection) UnmarshalJSON(data []byte) error {
	var raw struct {
		Context    any    `json:"@context"`
		Id         string `json:"id"`
		TotalItems int    `json:"totalItems"`
		First      *OrderedCollectionPage
		Current    *OrderedCollectionPage
		Last       *OrderedCollectionPage
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Context = raw.Context
	c.Id = raw.Id
	c.TotalItems = raw.TotalItems
	switch {
	case raw.First != nil:
		c.PageKey, c.Page = "first", raw.First
	case raw.Current != nil:
		c.PageKey, c.Page = "current", raw.Current
	case raw.Last != nil:
		c.PageKey, c.Page = "last", raw.Last
	}
	return nil
}
