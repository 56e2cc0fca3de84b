// Package consent talks to the external consent service that decides whether
// a third party may read a patient's records.
package consent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client calls POST {base}/api/consents/verify.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "consent").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type verifyRequest struct {
	PatientID uuid.UUID `json:"patientId"`
	GranteeID uuid.UUID `json:"granteeId"`
	EhrID     uuid.UUID `json:"ehrId"`
}

type verifyResponse struct {
	HasAccess bool    `json:"hasAccess"`
	ConsentID *string `json:"consentId,omitempty"`
	Message   *string `json:"message,omitempty"`
}

// Decision is the consent service's answer. ConsentID names the consent that
// granted access and is empty on denial.
type Decision struct {
	Granted   bool
	ConsentID string
}

// HasAccess asks whether accessorID holds a consent for recordID. A nil
// recordID asks about the patient's records as a whole. Any transport or
// non-2xx failure is returned as an error; callers treat that as a denial.
func (c *Client) HasAccess(ctx context.Context, patientID, accessorID, recordID uuid.UUID) (Decision, error) {
	body, err := json.Marshal(verifyRequest{PatientID: patientID, GranteeID: accessorID, EhrID: recordID})
	if err != nil {
		return Decision{}, fmt.Errorf("marshal consent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/consents/verify", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("build consent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("consent service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Decision{}, fmt.Errorf("read consent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Decision{}, fmt.Errorf("consent service returned %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Decision{}, fmt.Errorf("decode consent response: %w", err)
	}

	ev := c.logger.Debug().
		Str("patient_id", patientID.String()).
		Str("accessor_id", accessorID.String()).
		Str("record_id", recordID.String()).
		Bool("granted", out.HasAccess)
	if out.ConsentID != nil {
		ev = ev.Str("consent_id", *out.ConsentID)
	}
	ev.Msg("consent verified")

	d := Decision{Granted: out.HasAccess}
	if out.HasAccess && out.ConsentID != nil {
		d.ConsentID = *out.ConsentID
	}
	return d, nil
}
