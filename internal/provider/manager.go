package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chainledger/chainledger/internal/events"
	"github.com/chainledger/chainledger/pkg/logging"
)

// Config holds per-provider routing configuration.
type Config struct {
	Priority  int           `yaml:"priority"`
	RateLimit RateLimit     `yaml:",inline"`
	Circuit   CircuitConfig `yaml:"circuit"`
}

// FailoverExecutionResult carries a call's data together with the name
// of the provider that served it and the failover trail.
type FailoverExecutionResult struct {
	Data      *Result
	Provider  string
	Attempted []string
	Duration  time.Duration
}

type registered struct {
	provider Provider
	cfg      Config
	limiter  *limiter
	breaker  *breaker

	mu        sync.Mutex
	attempts  int64
	successes int64
}

// successRate is 1.0 for untried providers so a fresh provider is not
// ranked below one with a perfect record of a single call.
func (r *registered) successRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == 0 {
		return 1.0
	}
	return float64(r.successes) / float64(r.attempts)
}

func (r *registered) record(ok bool) {
	r.mu.Lock()
	r.attempts++
	if ok {
		r.successes++
	}
	r.mu.Unlock()
}

// Manager routes per-operation calls across ranked providers per chain.
// Shared by all import tasks; all state is guarded for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	chains map[string][]*registered
	bus    *events.Bus
	log    *logging.Logger
}

// NewManager creates an empty provider manager.
func NewManager(bus *events.Bus, log *logging.Logger) *Manager {
	if bus == nil {
		bus = events.NewBus()
	}
	if log == nil {
		log = logging.GetDefault()
	}
	return &Manager{
		chains: make(map[string][]*registered),
		bus:    bus,
		log:    log.Component("providers"),
	}
}

// Register adds a provider for a chain. Called at startup only.
func (m *Manager) Register(chain string, p Provider, cfg Config) {
	chain = strings.ToLower(chain)
	name := p.Name()

	topicFor := func(to CircuitState) events.Topic {
		switch to {
		case CircuitOpen:
			return events.TopicCircuitOpened
		case CircuitHalfOpen:
			return events.TopicCircuitHalfOpen
		default:
			return events.TopicCircuitClosed
		}
	}

	r := &registered{
		provider: p,
		cfg:      cfg,
		limiter:  newLimiter(cfg.RateLimit),
	}
	r.breaker = newBreaker(cfg.Circuit, func(from, to CircuitState) {
		m.log.Warn("circuit transition", "provider", name, "chain", chain, "from", from, "to", to)
		m.bus.Publish(events.Event{
			Topic:    topicFor(to),
			Source:   chain,
			Provider: name,
			Metadata: map[string]interface{}{"from": string(from), "to": string(to)},
		})
	})

	m.mu.Lock()
	m.chains[chain] = append(m.chains[chain], r)
	m.mu.Unlock()
}

// Providers returns the names of providers registered for a chain.
func (m *Manager) Providers(chain string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, r := range m.chains[strings.ToLower(chain)] {
		names = append(names, r.provider.Name())
	}
	return names
}

// candidates returns capable providers for (chain, op) ordered by
// configured priority, then observed success rate. A preferred provider
// is moved to the front when it is capable.
func (m *Manager) candidates(chain string, op Operation, preferred string) []*registered {
	m.mu.RLock()
	all := m.chains[strings.ToLower(chain)]
	m.mu.RUnlock()

	var capable []*registered
	for _, r := range all {
		if r.provider.Capabilities().Supports(op) {
			capable = append(capable, r)
		}
	}

	sort.SliceStable(capable, func(i, j int) bool {
		if capable[i].cfg.Priority != capable[j].cfg.Priority {
			return capable[i].cfg.Priority < capable[j].cfg.Priority
		}
		return capable[i].successRate() > capable[j].successRate()
	})

	if preferred != "" {
		for i, r := range capable {
			if r.provider.Name() == preferred {
				capable = append([]*registered{r}, append(capable[:i:i], capable[i+1:]...)...)
				break
			}
		}
	}
	return capable
}

// Execute dispatches a call to the ranked provider list for the chain,
// failing over on transient errors and open circuits.
func (m *Manager) Execute(ctx context.Context, chain string, call Call) (*FailoverExecutionResult, error) {
	return m.ExecutePreferred(ctx, chain, "", call)
}

// ExecutePreferred is Execute with a preferred-provider hint.
func (m *Manager) ExecutePreferred(ctx context.Context, chain, preferred string, call Call) (*FailoverExecutionResult, error) {
	cands := m.candidates(chain, call.Type, preferred)
	if len(cands) == 0 {
		return nil, NewError(KindNoCapableProvider, "",
			fmt.Errorf("no provider for chain %q supports %s", chain, call.Type))
	}

	started := time.Now()
	var attempted []string
	var failures []string

	for _, cand := range cands {
		name := cand.provider.Name()

		if !cand.breaker.allow() {
			attempted = append(attempted, name)
			failures = append(failures, fmt.Sprintf("%s: circuit open", name))
			continue
		}

		if err := cand.limiter.wait(ctx); err != nil {
			// Context cancelled or deadline exceeded while waiting.
			return nil, NewError(KindRateLimited, name, err)
		}

		callStart := time.Now()
		res, err := cand.provider.Execute(ctx, call)
		dur := time.Since(callStart)
		attempted = append(attempted, name)

		m.bus.Publish(events.Event{
			Topic:    events.TopicProviderCall,
			Source:   chain,
			Provider: name,
			Duration: dur,
			Metadata: map[string]interface{}{
				"operation": string(call.Type),
				"ok":        err == nil,
			},
		})

		if err == nil {
			cand.breaker.success()
			cand.record(true)
			if len(attempted) > 1 {
				m.publishFailover(chain, name, attempted)
			}
			return &FailoverExecutionResult{
				Data:      res,
				Provider:  name,
				Attempted: attempted,
				Duration:  time.Since(started),
			}, nil
		}

		cand.breaker.failure()
		cand.record(false)
		failures = append(failures, fmt.Sprintf("%s: %v", name, err))

		if !IsTransient(err) && KindOf(err) != "" {
			// 401/404-class failures are final for this call.
			return nil, NewError(KindNonRetryable, name, err)
		}
		m.log.Debug("provider failed, trying next", "chain", chain, "provider", name, "error", err)
	}

	m.publishFailover(chain, "", attempted)
	return nil, NewError(KindTransient, "",
		fmt.Errorf("all providers exhausted for %s on %s: %s", call.Type, chain, strings.Join(failures, "; ")))
}

func (m *Manager) publishFailover(chain, winner string, attempted []string) {
	m.bus.Publish(events.Event{
		Topic:    events.TopicProviderFailover,
		Source:   chain,
		Provider: winner,
		Metadata: map[string]interface{}{"attempted": append([]string(nil), attempted...)},
	})
}

// HealthCheck probes every registered provider once. Used at startup.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for chain, regs := range m.chains {
		for _, r := range regs {
			ok, err := r.provider.IsHealthy(ctx)
			if err != nil || !ok {
				m.log.Warn("provider unhealthy", "chain", chain, "provider", r.provider.Name(), "error", err)
				continue
			}
			m.log.Debug("provider healthy", "chain", chain, "provider", r.provider.Name())
		}
	}
}
