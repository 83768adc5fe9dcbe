package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/dipcrawl/connectivity"
	"github.com/hazyhaar/dipcrawl/crawler/internal/evidence"
)

// Service is the connectivity service name of the external extractor.
const Service = "extractor"

// Request is the payload sent to the extractor.
type Request struct {
	URL              string          `json:"url"`
	Instruction      string          `json:"instruction"`
	Schema           json.RawMessage `json:"schema"`
	Content          string          `json:"content"`
	ContentFormat    string          `json:"content_format"`
	ContentType      string          `json:"content_type"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
	Attempt          int             `json:"attempt"`
}

// FieldValue is one candidate value with the locator of its source region.
type FieldValue struct {
	Value   json.RawMessage   `json:"value"`
	Locator *evidence.Locator `json:"locator,omitempty"`
}

// Response is the extractor's answer.
type Response struct {
	Fields map[string]FieldValue `json:"fields"`
}

// Extractor turns content plus schema into candidate fields. Implementations
// may fail; validation happens on the caller's side.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Response, error)
}

// RouterExtractor calls the extractor through the connectivity router, so
// it can be an in-process handler or a remote HTTP endpoint.
type RouterExtractor struct {
	Router  *connectivity.Router
	Service string
}

// NewRouterExtractor returns an Extractor bound to router's "extractor"
// service.
func NewRouterExtractor(router *connectivity.Router) *RouterExtractor {
	return &RouterExtractor{Router: router, Service: Service}
}

// Extract implements Extractor. A response that is not a JSON object with a
// fields map is reported as ErrMalformedResponse so the caller can repair.
func (e *RouterExtractor) Extract(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("extract: marshal request: %w", err)
	}
	raw, err := e.Router.Call(ctx, e.Service, payload)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Fields == nil {
		return nil, fmt.Errorf("%w: missing fields object", ErrMalformedResponse)
	}
	return &resp, nil
}
