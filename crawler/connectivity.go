package crawler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/dipcrawl/connectivity"
)

// RegisterConnectivity registers the crawler operations on a connectivity
// Router so other services can call them in-process or over a transport.
//
// Registered services:
//
//	dipcrawl_submit_job       submit URLs with a schema, returns the job id
//	dipcrawl_job_status       job counters and results after a sequence
//	dipcrawl_cancel_job       cancel a job
//	dipcrawl_get_evidence     one evidence record
//	dipcrawl_evidence_history evidence versions of a URL
//	dipcrawl_get_profile      the learned profile of a domain
func (c *Crawler) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal("dipcrawl_submit_job", c.handleSubmit)
	router.RegisterLocal("dipcrawl_job_status", c.handleStatus)
	router.RegisterLocal("dipcrawl_cancel_job", c.handleCancel)
	router.RegisterLocal("dipcrawl_get_evidence", c.handleEvidence)
	router.RegisterLocal("dipcrawl_evidence_history", c.handleHistory)
	router.RegisterLocal("dipcrawl_get_profile", c.handleProfile)
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusRequest struct {
	JobID    string `json:"job_id"`
	AfterSeq int64  `json:"after_seq,omitempty"`
}

type jobRequest struct {
	JobID string `json:"job_id"`
}

type evidenceRequest struct {
	ID string `json:"id"`
}

type historyRequest struct {
	URL   string `json:"url"`
	Field string `json:"field,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type profileRequest struct {
	Domain string `json:"domain"`
}

func (c *Crawler) handleSubmit(ctx context.Context, payload []byte) ([]byte, error) {
	var req JobRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	id, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(submitResponse{JobID: id})
}

func (c *Crawler) handleStatus(ctx context.Context, payload []byte) ([]byte, error) {
	var req statusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	st, err := c.Poll(ctx, req.JobID, req.AfterSeq)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (c *Crawler) handleCancel(ctx context.Context, payload []byte) ([]byte, error) {
	var req jobRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := c.Cancel(ctx, req.JobID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "cancelled"})
}

func (c *Crawler) handleEvidence(ctx context.Context, payload []byte) ([]byte, error) {
	var req evidenceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	rec, err := c.Evidence(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func (c *Crawler) handleHistory(ctx context.Context, payload []byte) ([]byte, error) {
	var req historyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	recs, err := c.EvidenceHistory(ctx, req.URL, req.Field, req.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recs)
}

func (c *Crawler) handleProfile(ctx context.Context, payload []byte) ([]byte, error) {
	var req profileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	p, err := c.Profile(ctx, req.Domain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}
