package obscheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// grafanaClient queries Mimir, Tempo and Loki through Grafana's
// datasource proxy, so a single set of credentials covers all three.
type grafanaClient struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
}

func newGrafanaClient(baseURL, user, password string) *grafanaClient {
	return &grafanaClient{
		baseURL:  baseURL,
		user:     user,
		password: password,
		http:     &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *grafanaClient) get(ctx context.Context, path string) ([]byte, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(rel).String(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("grafana request failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// latestExemplarTraceID finds the newest exemplar on the given histogram
// metric inside the lookback window and returns its trace id.
func (c *grafanaClient) latestExemplarTraceID(ctx context.Context, metric string, window time.Duration, notBefore time.Time) (string, error) {
	start := time.Now().Add(-window).Unix()
	end := time.Now().Unix()
	path := fmt.Sprintf("/api/datasources/proxy/uid/mimir/api/v1/query_exemplars?query=%s&start=%d&end=%d", url.QueryEscape(metric), start, end)
	body, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}

	var payload struct {
		Data []struct {
			Exemplars []struct {
				Labels    map[string]string `json:"labels"`
				Timestamp float64           `json:"timestamp"`
			} `json:"exemplars"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}

	var bestTraceID string
	var bestTS float64
	for _, series := range payload.Data {
		for _, e := range series.Exemplars {
			if e.Timestamp <= 0 || int64(e.Timestamp) < notBefore.Unix() {
				continue
			}
			if tid := e.Labels["trace_id"]; len(tid) == 32 && e.Timestamp > bestTS {
				bestTS = e.Timestamp
				bestTraceID = tid
			}
		}
	}
	if bestTraceID == "" {
		return "", fmt.Errorf("no recent trace_id exemplar found for %s", metric)
	}
	return bestTraceID, nil
}

// traceExists polls Tempo until the trace is queryable; ingest can lag
// the exemplar by a few seconds.
func (c *grafanaClient) traceExists(ctx context.Context, traceID string) error {
	path := fmt.Sprintf("/api/datasources/proxy/uid/tempo/api/traces/%s", traceID)
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		body, err := c.get(ctx, path)
		if err != nil {
			lastErr = err
			time.Sleep(2 * time.Second)
			continue
		}
		var payload struct {
			Batches []json.RawMessage `json:"batches"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		if len(payload.Batches) > 0 {
			return nil
		}
		lastErr = fmt.Errorf("tempo trace %s has no batches yet", traceID)
		time.Sleep(2 * time.Second)
	}
	return lastErr
}

// logsCorrelated checks Loki for at least one log line carrying the
// trace id, first scoped to the service and then unscoped as a fallback.
func (c *grafanaClient) logsCorrelated(ctx context.Context, serviceName, traceID string) error {
	nowNS := time.Now().UnixNano()
	startNS := nowNS - int64(30*time.Minute)
	queries := []string{
		fmt.Sprintf("{service_name=%q} | json | trace_id=%q", serviceName, traceID),
		fmt.Sprintf("{service_name=~\".+\"} | json | trace_id=%q", traceID),
	}
	for _, raw := range queries {
		path := fmt.Sprintf("/api/datasources/proxy/uid/loki/loki/api/v1/query_range?query=%s&start=%d&end=%d&limit=1&direction=backward",
			url.QueryEscape(raw), startNS, nowNS)
		body, err := c.get(ctx, path)
		if err != nil {
			return err
		}
		var payload struct {
			Data struct {
				Result []json.RawMessage `json:"result"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return err
		}
		if len(payload.Data.Result) > 0 {
			return nil
		}
	}
	return fmt.Errorf("no correlated loki logs found for trace_id %s", traceID)
}
