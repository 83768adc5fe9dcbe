package crawler

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/dipcrawl/kit"
)

// RegisterMCP registers the crawler tools on an MCP server.
func (c *Crawler) RegisterMCP(srv *mcp.Server) {
	c.registerSubmitTool(srv)
	c.registerStatusTool(srv)
	c.registerCancelTool(srv)
	c.registerEvidenceTool(srv)
	c.registerHistoryTool(srv)
	c.registerProfileTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var stringArray = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

func (c *Crawler) registerSubmitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "dipcrawl_submit_job",
		Description: "Submit URLs for schema-guided extraction. Returns a job id; poll it with dipcrawl_job_status. " +
			"Every returned field carries an evidence id pointing at the exact source region.",
		InputSchema: inputSchema(map[string]any{
			"urls":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Absolute http(s) URLs"},
			"schema":      map[string]any{"type": "object", "description": "Extraction schema: {fields: {name: {type, required, pattern, enum, ...}}}"},
			"schema_id":   map[string]any{"type": "string", "description": "Name of a configured schema, instead of schema"},
			"instruction": map[string]any{"type": "string", "description": "Free-text guidance passed to the extractor"},
			"budget": inputSchema(map[string]any{
				"max_pages":           map[string]any{"type": "integer"},
				"max_extractor_calls": map[string]any{"type": "integer"},
			}, nil),
			"crawl": inputSchema(map[string]any{
				"max_depth": map[string]any{"type": "integer", "description": "Link hops followed from each URL"},
				"include":   stringArray,
				"exclude":   stringArray,
			}, nil),
			"force": map[string]any{"type": "boolean", "description": "Extract again even when the page is unchanged"},
		}, []string{"urls"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		id, err := c.Submit(ctx, *req.(*JobRequest))
		if err != nil {
			return nil, err
		}
		return submitResponse{JobID: id}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[JobRequest])
}

func (c *Crawler) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dipcrawl_job_status",
		Description: "Get a job's status, counters and the results appended after after_seq.",
		InputSchema: inputSchema(map[string]any{
			"job_id":    map[string]any{"type": "string"},
			"after_seq": map[string]any{"type": "integer", "description": "Return only results with a greater sequence (default 0)"},
		}, []string{"job_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statusRequest)
		return c.Poll(kit.WithJobID(ctx, r.JobID), r.JobID, r.AfterSeq)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[statusRequest])
}

func (c *Crawler) registerCancelTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dipcrawl_cancel_job",
		Description: "Cancel a job. Queued URLs are not fetched and in-flight URLs are interrupted.",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string"},
		}, []string{"job_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*jobRequest)
		if err := c.Cancel(ctx, r.JobID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "cancelled"}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[jobRequest])
}

func (c *Crawler) registerEvidenceTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dipcrawl_get_evidence",
		Description: "Get an evidence record: source URL, retrieval time, locator, content hash and snippet.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Evidence id from a result"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return c.Evidence(ctx, req.(*evidenceRequest).ID)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[evidenceRequest])
}

func (c *Crawler) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dipcrawl_evidence_history",
		Description: "List the evidence versions recorded for a URL, newest first.",
		InputSchema: inputSchema(map[string]any{
			"url":   map[string]any{"type": "string"},
			"field": map[string]any{"type": "string", "description": "Restrict to one field"},
			"limit": map[string]any{"type": "integer", "description": "Max records (default 100)"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyRequest)
		return c.EvidenceHistory(ctx, r.URL, r.Field, r.Limit)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[historyRequest])
}

func (c *Crawler) registerProfileTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dipcrawl_get_profile",
		Description: "Get the learned profile of a domain: strategy, politeness, robots state, endpoints and failures.",
		InputSchema: inputSchema(map[string]any{
			"domain": map[string]any{"type": "string", "description": "Domain or URL"},
		}, []string{"domain"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*profileRequest)
		return c.Profile(kit.WithDomain(ctx, r.Domain), r.Domain)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[profileRequest])
}
