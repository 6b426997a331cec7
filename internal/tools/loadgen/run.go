package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config drives a synthetic traffic run against the session API.
type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
}

type Result struct {
	TotalRequests int64
	Failures      int64
	StatusClasses map[string]int64
	Elapsed       time.Duration
}

type sessionRef struct {
	ID           string
	RefreshToken string
}

type runner struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	rng      *rand.Rand
	sessions []sessionRef
	total    int64
	failures int64
	classes  map[string]int64
}

// Run generates traffic according to cfg until the duration elapses or
// the context is cancelled. Failures are connection errors and 5xx
// responses; 4xx responses are counted but expected for some profiles.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.BaseURL == "" {
		return Result{}, fmt.Errorf("loadgen: base URL is required")
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	cfg.Profile = normalizeProfile(cfg.Profile)
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	r := &runner{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		classes: make(map[string]int64),
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()

	work := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				r.fire(runCtx)
			}
		}()
	}

	start := time.Now()
loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			select {
			case work <- struct{}{}:
			case <-runCtx.Done():
				break loop
			}
		}
	}
	close(work)
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{
		TotalRequests: r.total,
		Failures:      r.failures,
		StatusClasses: r.classes,
		Elapsed:       time.Since(start),
	}, nil
}

func (r *runner) fire(ctx context.Context) {
	op := r.pickOperation()
	status, err := r.execute(ctx, op)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if err != nil || status >= 500 {
		r.failures++
	}
	if err == nil {
		r.classes[classifyStatusClass(status)]++
	} else {
		r.classes["error"]++
	}
}

func (r *runner) pickOperation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.cfg.Profile {
	case "create":
		return "create"
	case "validate":
		return "validate"
	case "refresh":
		return "refresh"
	case "revoke":
		return "revoke"
	default:
		// Mixed traffic keeps the session pool alive: mostly validates
		// with enough creates to replace revoked sessions.
		n := r.rng.Intn(100)
		switch {
		case n < 25 || len(r.sessions) == 0:
			return "create"
		case n < 75:
			return "validate"
		case n < 90:
			return "refresh"
		default:
			return "revoke"
		}
	}
}

func (r *runner) execute(ctx context.Context, op string) (int, error) {
	switch op {
	case "create":
		return r.createSession(ctx)
	case "validate":
		return r.validateSession(ctx)
	case "refresh":
		return r.refreshSession(ctx)
	case "revoke":
		return r.revokeSession(ctx)
	default:
		return 0, fmt.Errorf("unknown operation %q", op)
	}
}

func (r *runner) createSession(ctx context.Context) (int, error) {
	r.mu.Lock()
	userNum := r.rng.Intn(50)
	r.mu.Unlock()

	body := map[string]string{
		"user_id":   fmt.Sprintf("loadgen-user-%03d", userNum),
		"user_role": "member",
	}
	status, respBody, err := r.doJSON(ctx, http.MethodPost, "/api/v1/sessions", body)
	if err != nil || status != http.StatusCreated {
		return status, err
	}

	var envelope struct {
		Data struct {
			SessionID    string `json:"session_id"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Data.SessionID != "" {
		r.mu.Lock()
		r.sessions = append(r.sessions, sessionRef{ID: envelope.Data.SessionID, RefreshToken: envelope.Data.RefreshToken})
		if len(r.sessions) > 500 {
			r.sessions = r.sessions[len(r.sessions)-500:]
		}
		r.mu.Unlock()
	}
	return status, nil
}

func (r *runner) validateSession(ctx context.Context) (int, error) {
	ref, ok := r.randomSession(false)
	if !ok {
		return r.createSession(ctx)
	}
	status, _, err := r.doJSON(ctx, http.MethodGet, "/api/v1/sessions/"+ref.ID, nil)
	return status, err
}

func (r *runner) refreshSession(ctx context.Context) (int, error) {
	ref, ok := r.randomSession(false)
	if !ok {
		return r.createSession(ctx)
	}
	status, respBody, err := r.doJSON(ctx, http.MethodPost, "/api/v1/sessions/"+ref.ID+"/refresh", map[string]string{
		"refresh_token": ref.RefreshToken,
	})
	if err != nil || status != http.StatusOK {
		return status, err
	}

	var envelope struct {
		Data struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Data.RefreshToken != "" {
		r.mu.Lock()
		for i := range r.sessions {
			if r.sessions[i].ID == ref.ID {
				r.sessions[i].RefreshToken = envelope.Data.RefreshToken
				break
			}
		}
		r.mu.Unlock()
	}
	return status, nil
}

func (r *runner) revokeSession(ctx context.Context) (int, error) {
	ref, ok := r.randomSession(true)
	if !ok {
		return r.createSession(ctx)
	}
	status, _, err := r.doJSON(ctx, http.MethodDelete, "/api/v1/sessions/"+ref.ID, nil)
	return status, err
}

func (r *runner) randomSession(remove bool) (sessionRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return sessionRef{}, false
	}
	i := r.rng.Intn(len(r.sessions))
	ref := r.sessions[i]
	if remove {
		r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
	}
	return ref, true
}

func (r *runner) doJSON(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func normalizeProfile(profile string) string {
	p := strings.ToLower(strings.TrimSpace(profile))
	if p == "" {
		return "mixed"
	}
	return p
}
