// Package portal is the HTTP client for the work-order portal. It
// implements both seams the engine leaves open: worksync.OrderSource
// (listing work orders) and batch.Runner (driving form-filling
// sessions against the portal).
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fieldsync/fieldsync/batch"
	"github.com/fieldsync/fieldsync/config"
	"github.com/fieldsync/fieldsync/credential"
	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/worksync"
)

// Client talks to the portal API. The service credential authenticates
// automation sessions; order listing authenticates with the per-owner
// credential passed to FetchOrders.
type Client struct {
	baseURL     string
	serviceCred credential.Credential
	httpClient  *http.Client
	logger      *zap.SugaredLogger
}

// NewClient creates a portal client from configuration
func NewClient(cfg config.PortalConfig, serviceCred credential.Credential, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("portal base_url must not be empty")
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		serviceCred: serviceCred,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: logger,
	}, nil
}

type orderPayload struct {
	Ref     string `json:"ref"`
	Summary string `json:"summary"`
}

type formPayload struct {
	Units []struct {
		Name  string   `json:"name"`
		Steps []string `json:"steps"`
	} `json:"units"`
}

type sessionPayload struct {
	SessionID string `json:"session_id"`
}

type stepResultPayload struct {
	Note string `json:"note"`
}

// FetchOrders implements worksync.OrderSource
func (c *Client) FetchOrders(ctx context.Context, cred credential.Credential, since *time.Time) ([]worksync.WorkOrder, error) {
	endpoint := c.baseURL + "/orders"
	if since != nil {
		endpoint += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}

	var payload []orderPayload
	if err := c.doJSON(ctx, http.MethodGet, endpoint, cred, nil, &payload); err != nil {
		return nil, errors.Wrap(err, "failed to fetch work orders")
	}

	orders := make([]worksync.WorkOrder, 0, len(payload))
	for _, p := range payload {
		orders = append(orders, worksync.WorkOrder{Ref: p.Ref, Summary: p.Summary})
	}
	return orders, nil
}

// Plan implements batch.Runner. It fetches the order's form layout and
// maps each form section to a unit of steps.
func (c *Client) Plan(ctx context.Context, job *batch.Job) ([]batch.UnitPlan, error) {
	endpoint := fmt.Sprintf("%s/orders/%s/form", c.baseURL, url.PathEscape(job.WorkItemRef))

	var payload formPayload
	if err := c.doJSON(ctx, http.MethodGet, endpoint, c.serviceCred, nil, &payload); err != nil {
		return nil, errors.Wrapf(err, "failed to plan work item %s", job.WorkItemRef)
	}
	if len(payload.Units) == 0 {
		return nil, batch.MarkPermanent(errors.Newf("work item %s has no form sections", job.WorkItemRef))
	}

	plans := make([]batch.UnitPlan, 0, len(payload.Units))
	for _, u := range payload.Units {
		plans = append(plans, batch.UnitPlan{Name: u.Name, Steps: u.Steps})
	}
	return plans, nil
}

// Open implements batch.Runner
func (c *Client) Open(ctx context.Context, job *batch.Job) (batch.Session, error) {
	body := map[string]string{"work_item_ref": job.WorkItemRef}

	var payload sessionPayload
	endpoint := c.baseURL + "/sessions"
	if err := c.doJSON(ctx, http.MethodPost, endpoint, c.serviceCred, body, &payload); err != nil {
		return nil, errors.Wrapf(err, "failed to open portal session for %s", job.WorkItemRef)
	}

	c.logger.Debugw("Portal session opened", "session_id", payload.SessionID, "work_item_ref", job.WorkItemRef)
	return &session{client: c, id: payload.SessionID}, nil
}

type session struct {
	client *Client
	id     string
}

func (s *session) RunStep(ctx context.Context, unit, step string) (string, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s/steps", s.client.baseURL, url.PathEscape(s.id))
	body := map[string]string{"unit": unit, "step": step}

	var payload stepResultPayload
	if err := s.client.doJSON(ctx, http.MethodPost, endpoint, s.client.serviceCred, body, &payload); err != nil {
		return "", errors.Wrapf(err, "step %s/%s failed", unit, step)
	}
	return payload.Note, nil
}

func (s *session) Close() error {
	endpoint := fmt.Sprintf("%s/sessions/%s", s.client.baseURL, url.PathEscape(s.id))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.client.doJSON(ctx, http.MethodDelete, endpoint, s.client.serviceCred, nil, nil); err != nil {
		return errors.Wrapf(err, "failed to close portal session %s", s.id)
	}
	return nil
}

// doJSON performs one authenticated request. Non-2xx responses are
// classified for retry: client errors are permanent, server errors
// and transport failures transient.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, cred credential.Credential, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.SetBasicAuth(cred.Username, cred.Secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return batch.MarkTransient(errors.Wrap(err, "portal request failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := errors.Newf("portal returned %d: %s", resp.StatusCode, string(data))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return batch.MarkTransient(err)
		}
		return batch.MarkPermanent(err)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode portal response")
	}
	return nil
}
