package health

import (
	"context"
	"sync"
	"time"
)

type Check func(ctx context.Context) error

type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// ProbeRunner evaluates readiness checks on demand, caching results for
// maxAge so a probe storm cannot hammer the backends.
type ProbeRunner struct {
	mu       sync.Mutex
	checks   map[string]Check
	timeout  time.Duration
	maxAge   time.Duration
	lastRun  time.Time
	lastOK   bool
	lastRes  []CheckResult
	hasCache bool
}

func NewProbeRunner(maxAge, timeout time.Duration) *ProbeRunner {
	return &ProbeRunner{
		checks:  make(map[string]Check),
		timeout: timeout,
		maxAge:  maxAge,
	}
}

func (p *ProbeRunner) Register(name string, check Check) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = check
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hasCache && time.Since(p.lastRun) < p.maxAge {
		return p.lastOK, p.lastRes
	}

	ok := true
	results := make([]CheckResult, 0, len(p.checks))
	for name, check := range p.checks {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := check(cctx)
		cancel()
		res := CheckResult{Name: name, Healthy: err == nil}
		if err != nil {
			ok = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	p.lastRun = time.Now()
	p.lastOK = ok
	p.lastRes = results
	p.hasCache = true
	return ok, results
}
