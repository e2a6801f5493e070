package timewindow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/custodia-labs/ingestd/internal/connectors/eventjson"
)

// page is one decoded list response.
type page struct {
	items []json.RawMessage
	next  string
}

// decodePage splits a response body into raw events, keeping each event's
// bytes as the vendor sent them.
func (c *Config) decodePage(body []byte) (*page, error) {
	raw, err := eventjson.Lookup(body, c.ItemsField)
	if err != nil {
		if errors.Is(err, eventjson.ErrFieldMissing) {
			return &page{}, nil
		}
		return nil, err
	}
	p := &page{}
	if err := json.Unmarshal(raw, &p.items); err != nil {
		return nil, fmt.Errorf("events are not an array: %w", err)
	}
	if c.NextField != "" {
		if tok, err := eventjson.Lookup(body, c.NextField); err == nil {
			p.next = eventjson.String(tok)
		}
	}
	return p, nil
}
