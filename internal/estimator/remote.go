package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// RemoteClient calls an out-of-process inference server over HTTP.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteClient creates a client for the server at baseURL. Per-call
// deadlines come from the context.
func NewRemoteClient(baseURL string) *RemoteClient {
	return &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 0},
	}
}

// estimateRequest is the JSON body for POST /v1/estimate.
type estimateRequest struct {
	Specialist  string             `json:"specialist"`
	EquipmentID string             `json:"equipment_id"`
	Timestamp   time.Time          `json:"timestamp"`
	Readings    map[string]float64 `json:"readings"`
	Reduced     bool               `json:"reduced"`
	Patterns    []remotePattern    `json:"patterns"`
}

type remotePattern struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Domain   string  `json:"domain"`
	Severity int     `json:"severity"`
	Distance float64 `json:"distance"`
}

// estimateResponse mirrors the JSON returned by POST /v1/estimate.
type estimateResponse struct {
	Confidence     *float64 `json:"confidence"`
	FaultDetected  bool     `json:"fault_detected"`
	FaultType      string   `json:"fault_type"`
	Interpretation string   `json:"interpretation"`
}

func (c *RemoteClient) estimate(ctx context.Context, specialist string, in Input) (estimateResponse, error) {
	req := estimateRequest{
		Specialist:  specialist,
		EquipmentID: in.Snapshot.EquipmentID,
		Timestamp:   in.Snapshot.Timestamp,
		Readings:    in.Snapshot.Readings,
		Reduced:     in.Reduced,
		Patterns:    make([]remotePattern, len(in.Patterns)),
	}
	for i, m := range in.Patterns {
		req.Patterns[i] = remotePattern{
			ID: m.Pattern.ID, Name: m.Pattern.Name, Domain: string(m.Pattern.Domain),
			Severity: m.Pattern.Severity, Distance: m.Distance,
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return estimateResponse{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/estimate", bytes.NewReader(body))
	if err != nil {
		return estimateResponse{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return estimateResponse{}, fmt.Errorf("calling inference server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return estimateResponse{}, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return estimateResponse{}, fmt.Errorf("decoding response: %w", err)
	}
	if out.Confidence == nil {
		return estimateResponse{}, fmt.Errorf("response missing confidence")
	}
	return out, nil
}

// RemoteEstimator keeps a specialist's identity and selection categories
// but delegates scoring to the inference server.
type RemoteEstimator struct {
	client     *RemoteClient
	name       string
	domain     domain.Category
	categories []domain.Category
}

// Remote wraps each of local in a RemoteEstimator sharing client.
func Remote(client *RemoteClient, local []Estimator) []Estimator {
	out := make([]Estimator, len(local))
	for i, est := range local {
		out[i] = &RemoteEstimator{
			client:     client,
			name:       est.Name(),
			domain:     est.Domain(),
			categories: est.Categories(),
		}
	}
	return out
}

func (r *RemoteEstimator) Name() string                  { return r.name }
func (r *RemoteEstimator) Domain() domain.Category       { return r.domain }
func (r *RemoteEstimator) Categories() []domain.Category { return r.categories }

func (r *RemoteEstimator) Estimate(ctx context.Context, in Input) (domain.InferenceResult, error) {
	resp, err := r.client.estimate(ctx, r.name, in)
	if err != nil {
		return domain.InferenceResult{}, err
	}
	return domain.InferenceResult{
		Domain:         r.domain,
		Confidence:     *resp.Confidence,
		FaultDetected:  resp.FaultDetected,
		FaultType:      resp.FaultType,
		Interpretation: resp.Interpretation,
	}, nil
}
