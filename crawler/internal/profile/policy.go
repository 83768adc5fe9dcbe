package profile

import (
	"time"

	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
)

// Policy holds the thresholds that turn outcomes into profile changes.
type Policy struct {
	PromoteAfter         int           `yaml:"promote_after"`          // consecutive needs_render runs before render_always. Default: 3.
	DemoteAfter          int           `yaml:"demote_after"`           // consecutive cheaper successes before demotion. Default: 3, minimum 3.
	RenderFailureLimit   int           `yaml:"render_failure_limit"`   // consecutive render failures that start a cooldown. Default: 3.
	Cooldown             time.Duration `yaml:"cooldown"`               // Default: 15m.
	ChallengeCooldown    time.Duration `yaml:"challenge_cooldown"`     // Default: 1h.
	DefaultConcurrency   int           `yaml:"default_concurrency"`    // Default: 2.
	DefaultInterval      time.Duration `yaml:"default_interval"`       // Default: 500ms.
	MaxInterval          time.Duration `yaml:"max_interval"`           // cap of learned intervals. Default: 60s.
	MaxValidators        int           `yaml:"max_validators"`         // per-domain validator LRU size. Default: 512.
	MaxEndpoints         int           `yaml:"max_endpoints"`          // Default: 32.
	MaxHints             int           `yaml:"max_hints"`              // Default: 16.
	EndpointFailureLimit int           `yaml:"endpoint_failure_limit"` // failures before an endpoint is forgotten. Default: 3.
	LatencyAlpha         float64       `yaml:"latency_alpha"`          // EMA weight of a new latency sample. Default: 0.2.
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	var p Policy
	p.defaults()
	return p
}

func (p *Policy) defaults() {
	if p.PromoteAfter <= 0 {
		p.PromoteAfter = 3
	}
	if p.DemoteAfter < 3 {
		p.DemoteAfter = 3
	}
	if p.RenderFailureLimit <= 0 {
		p.RenderFailureLimit = 3
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 15 * time.Minute
	}
	if p.ChallengeCooldown <= 0 {
		p.ChallengeCooldown = time.Hour
	}
	if p.DefaultConcurrency <= 0 {
		p.DefaultConcurrency = 2
	}
	if p.DefaultInterval < 0 {
		p.DefaultInterval = 0
	} else if p.DefaultInterval == 0 {
		p.DefaultInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 60 * time.Second
	}
	if p.MaxValidators <= 0 {
		p.MaxValidators = 512
	}
	if p.MaxEndpoints <= 0 {
		p.MaxEndpoints = 32
	}
	if p.MaxHints <= 0 {
		p.MaxHints = 16
	}
	if p.EndpointFailureLimit <= 0 {
		p.EndpointFailureLimit = 3
	}
	if p.LatencyAlpha <= 0 || p.LatencyAlpha > 1 {
		p.LatencyAlpha = 0.2
	}
}

// Outcome is what one escalation run observed about a domain.
type Outcome struct {
	At          time.Time
	URL         string
	Success     bool
	Unchanged   bool
	Strategy    Strategy // tier that produced the final content
	NeedsRender bool     // the classifier asked for a browser on this run
	Latency     time.Duration
	FailureKind string
	// Suppressed marks a run stopped by policy before any network work
	// (robots, challenge cooldown). It is counted but moves no streak.
	Suppressed bool

	RenderInvoked bool
	RenderFailed  bool
	Challenge     bool

	RateLimited bool
	RetryAfter  time.Duration
	CrawlDelay  time.Duration

	ETag         string
	LastModified string

	LearnedEndpoint *Endpoint // endpoint discovered by this run's render
	EndpointUsed    string    // page pattern of the endpoint tried, if any
	EndpointFailed  bool
	Generator       string
}

// Apply folds o into p: stats, strategy, cooldown, rate limit and learned
// hints. It is the single entry point used after every terminal state.
func (pol Policy) Apply(p *Profile, o Outcome) {
	pol.defaults()
	pol.RecordOutcome(p, o)
	pol.Adjust(p, o)
	pol.applyCooldown(p, o)
	if o.RateLimited {
		pol.LearnRateLimit(p, o.RetryAfter, o.At)
	}
	if o.CrawlDelay > 0 {
		pol.applyCrawlDelay(p, o.CrawlDelay)
	}
	pol.rememberValidator(p, o)
	pol.learnEndpoint(p, o)
	pol.learnGenerator(p, o.Generator)
	if o.At.After(p.LastSeenAt) {
		p.LastSeenAt = o.At
	}
}

// RecordOutcome updates the rolling counters.
func (pol Policy) RecordOutcome(p *Profile, o Outcome) {
	pol.defaults()
	st := &p.Stats
	switch {
	case o.Unchanged:
		st.Unchanged++
		st.ConsecutiveFailures = 0
	case o.Success:
		st.Successes++
		st.ConsecutiveFailures = 0
	default:
		if st.Failures == nil {
			st.Failures = make(map[string]int64)
		}
		kind := o.FailureKind
		if kind == "" {
			kind = "unknown"
		}
		st.Failures[kind]++
		if !o.Suppressed {
			st.ConsecutiveFailures++
		}
	}

	if o.Latency > 0 && o.Strategy != "" && (o.Success || o.Unchanged) {
		if st.AvgLatencyMs == nil {
			st.AvgLatencyMs = make(map[Strategy]float64)
		}
		ms := float64(o.Latency) / float64(time.Millisecond)
		if prev, ok := st.AvgLatencyMs[o.Strategy]; ok {
			st.AvgLatencyMs[o.Strategy] = pol.LatencyAlpha*ms + (1-pol.LatencyAlpha)*prev
		} else {
			st.AvgLatencyMs[o.Strategy] = ms
		}
	}

	if o.RenderInvoked {
		st.RenderInvocations++
		if o.RenderFailed {
			st.ConsecutiveRenderFailures++
		} else {
			st.ConsecutiveRenderFailures = 0
		}
	}
}

// Adjust promotes or demotes the preferred strategy. Promotion needs a
// needs_render observation in o; demotion needs DemoteAfter consecutive
// successes at a cheaper strategy.
func (pol Policy) Adjust(p *Profile, o Outcome) {
	pol.defaults()
	st := &p.Stats
	if p.PreferredStrategy == "" {
		p.PreferredStrategy = FetchOnly
	}
	if o.Unchanged || o.Suppressed {
		return
	}

	if o.NeedsRender {
		st.NeedsRenderObservations++
		st.ConsecutiveNeedsRender++
	} else {
		st.ConsecutiveNeedsRender = 0
	}

	var cheaper Strategy
	switch {
	case o.Success && o.Strategy == JSONEndpoint:
		cheaper = JSONEndpoint
	case o.Success && o.Strategy == FetchOnly && !o.NeedsRender:
		cheaper = FetchOnly
	}

	// Promotion.
	if o.NeedsRender {
		target := p.PreferredStrategy
		switch {
		case cheaper == JSONEndpoint:
			if target.Cost() < JSONEndpoint.Cost() {
				target = JSONEndpoint
			}
		case target.Cost() < FetchThenRender.Cost():
			target = FetchThenRender
		case target == FetchThenRender && st.ConsecutiveNeedsRender >= pol.PromoteAfter:
			target = RenderAlways
		}
		if target.Cost() > p.PreferredStrategy.Cost() {
			p.PreferredStrategy = target
			st.ConsecutiveCheaperSuccesses = 0
			st.CheaperStrategy = ""
			return
		}
	}

	// Demotion.
	if cheaper == "" || cheaper.Cost() >= p.PreferredStrategy.Cost() {
		if !o.Success || o.NeedsRender {
			st.ConsecutiveCheaperSuccesses = 0
			st.CheaperStrategy = ""
		}
		return
	}
	if st.CheaperStrategy != cheaper {
		st.CheaperStrategy = cheaper
		st.ConsecutiveCheaperSuccesses = 0
	}
	st.ConsecutiveCheaperSuccesses++
	if st.ConsecutiveCheaperSuccesses >= pol.DemoteAfter {
		p.PreferredStrategy = cheaper
		st.ConsecutiveCheaperSuccesses = 0
		st.CheaperStrategy = ""
	}
}

func (pol Policy) applyCooldown(p *Profile, o Outcome) {
	switch {
	case o.Challenge:
		pol.StartCooldown(p, o.At, pol.ChallengeCooldown, CooldownChallenge)
	case p.Stats.ConsecutiveRenderFailures >= pol.RenderFailureLimit:
		pol.StartCooldown(p, o.At, pol.Cooldown, CooldownRenderFailures)
		p.Stats.ConsecutiveRenderFailures = 0
	}
}

// StartCooldown suppresses the domain until now+d. An existing longer
// cooldown is kept.
func (pol Policy) StartCooldown(p *Profile, now time.Time, d time.Duration, reason string) {
	until := now.Add(d)
	if until.After(p.CooldownUntil) {
		p.CooldownUntil = until
		p.CooldownReason = reason
	}
}

// LearnRateLimit reacts to a 429/503: halve the concurrency (minimum 1),
// double the interval (capped), and honour Retry-After as a floor.
func (pol Policy) LearnRateLimit(p *Profile, retryAfter time.Duration, now time.Time) {
	pol.defaults()
	rl := &p.RateLimit
	if rl.MaxConcurrent <= 0 {
		rl.MaxConcurrent = pol.DefaultConcurrency
	}
	rl.MaxConcurrent /= 2
	if rl.MaxConcurrent < 1 {
		rl.MaxConcurrent = 1
	}
	if rl.MinInterval <= 0 {
		rl.MinInterval = pol.DefaultInterval
		if rl.MinInterval <= 0 {
			rl.MinInterval = 250 * time.Millisecond
		}
	} else {
		rl.MinInterval *= 2
	}
	if retryAfter > rl.MinInterval {
		rl.MinInterval = retryAfter
	}
	if rl.MinInterval > pol.MaxInterval {
		rl.MinInterval = pol.MaxInterval
	}
	rl.LastThrottledAt = now
}

func (pol Policy) applyCrawlDelay(p *Profile, d time.Duration) {
	if d > pol.MaxInterval {
		d = pol.MaxInterval
	}
	if d > p.RateLimit.MinInterval {
		p.RateLimit.MinInterval = d
	}
}

// rememberValidator keeps the newest validators last and evicts the least
// recently seen URL when the list is full.
func (pol Policy) rememberValidator(p *Profile, o Outcome) {
	if o.URL == "" || (o.ETag == "" && o.LastModified == "") {
		return
	}
	for i, v := range p.Validators {
		if v.URL == o.URL {
			p.Validators = append(p.Validators[:i], p.Validators[i+1:]...)
			break
		}
	}
	p.Validators = append(p.Validators, Validator{URL: o.URL, ETag: o.ETag, LastModified: o.LastModified, SeenAt: o.At})
	if over := len(p.Validators) - pol.MaxValidators; over > 0 {
		p.Validators = append([]Validator(nil), p.Validators[over:]...)
	}
}

func (pol Policy) learnEndpoint(p *Profile, o Outcome) {
	if o.EndpointUsed != "" {
		for i := range p.KnownJSONEndpoints {
			e := &p.KnownJSONEndpoints[i]
			if e.PagePattern != o.EndpointUsed {
				continue
			}
			if o.EndpointFailed {
				e.Failures++
				if e.Failures >= pol.EndpointFailureLimit {
					p.KnownJSONEndpoints = append(p.KnownJSONEndpoints[:i], p.KnownJSONEndpoints[i+1:]...)
				}
			} else {
				e.Hits++
				e.Failures = 0
				e.LastSeenAt = o.At
			}
			break
		}
	}

	le := o.LearnedEndpoint
	if le == nil || le.PagePattern == "" || le.EndpointTemplate == "" {
		return
	}
	for i := range p.KnownJSONEndpoints {
		if p.KnownJSONEndpoints[i].PagePattern == le.PagePattern {
			e := &p.KnownJSONEndpoints[i]
			e.EndpointTemplate = le.EndpointTemplate
			e.ContentType = le.ContentType
			e.ShapeKeys = le.ShapeKeys
			e.LastSeenAt = o.At
			return
		}
	}
	if len(p.KnownJSONEndpoints) >= pol.MaxEndpoints {
		return
	}
	e := *le
	e.LastSeenAt = o.At
	p.KnownJSONEndpoints = append(p.KnownJSONEndpoints, e)
}

func (pol Policy) learnGenerator(p *Profile, generator string) {
	if generator == "" {
		return
	}
	h := classify.Hint{Signal: classify.SignalMetaGenerator, Value: generator}
	for _, have := range p.FingerprintHints {
		if have == h {
			return
		}
	}
	if len(p.FingerprintHints) < pol.MaxHints {
		p.FingerprintHints = append(p.FingerprintHints, h)
	}
}
