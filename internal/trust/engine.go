// Package trust implements continuous risk evaluation: every sensitive
// operation is scored from ambient signals (authentication strength,
// device posture, behavioral history, network reputation) and compared
// against a configured threshold. Decisions are audited.
package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/federato/identity-core/internal/authz"
	"github.com/federato/identity-core/internal/metrics"
	"github.com/federato/identity-core/internal/observability/logger"
)

// Weights distributes the four sub-scores into the composite. They must
// sum to 100.
type Weights struct {
	Authentication int `yaml:"authentication"`
	Device         int `yaml:"device"`
	Behavior       int `yaml:"behavior"`
	Network        int `yaml:"network"`
}

// DefaultWeights is the stock 40/25/20/15 split.
func DefaultWeights() Weights {
	return Weights{Authentication: 40, Device: 25, Behavior: 20, Network: 15}
}

func (w Weights) sum() int {
	return w.Authentication + w.Device + w.Behavior + w.Network
}

// Config carries the engine's thresholds and weights.
type Config struct {
	Weights Weights

	// MinTrustScore is the allow threshold for user subjects.
	MinTrustScore int
	// ServiceMinTrustScore is the allow threshold for service subjects.
	ServiceMinTrustScore int

	// FreshSessionAge bounds the session-freshness bonus.
	FreshSessionAge time.Duration
	// EventWindow bounds how far back the behavioral sub-score looks.
	EventWindow time.Duration
	// ObligationMargin is how far below threshold a score may land and
	// still earn a step-up obligation instead of a flat denial.
	ObligationMargin int
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.MinTrustScore <= 0 {
		c.MinTrustScore = 60
	}
	if c.ServiceMinTrustScore <= 0 {
		c.ServiceMinTrustScore = 50
	}
	if c.FreshSessionAge <= 0 {
		c.FreshSessionAge = 15 * time.Minute
	}
	if c.EventWindow <= 0 {
		c.EventWindow = 24 * time.Hour
	}
	if c.ObligationMargin <= 0 {
		c.ObligationMargin = 10
	}
	return c
}

// Subject identifies who is being evaluated.
type Subject struct {
	DID     string       `json:"did,omitempty"`
	Service bool         `json:"service,omitempty"` // service-to-service identity
	Roles   []authz.Role `json:"roles,omitempty"`
}

// RequestContext carries the per-request signals the engine reads.
type RequestContext struct {
	IPAddress        string    `json:"ip_address,omitempty"`
	DeviceID         string    `json:"device_id,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	SessionCreatedAt time.Time `json:"session_created_at,omitempty"`
}

// Request is one evaluation.
type Request struct {
	Subject  Subject        `json:"subject"`
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	Context  RequestContext `json:"context"`
}

// Decision is the evaluation result. Reasons are ordered and
// deterministic; the first always summarizes granted/denied.
type Decision struct {
	Allow       bool     `json:"allow"`
	Score       int      `json:"score"`
	Reasons     []string `json:"reasons"`
	Obligations []string `json:"obligations,omitempty"`
	AuditID     string   `json:"audit_id,omitempty"`
}

// ObligationStepUpMFA asks the caller to run step-up MFA and retry.
const ObligationStepUpMFA = "step-up MFA required"

// subScores are the four 0-100 components before weighting.
type subScores struct {
	auth     int
	device   int
	behavior int
	network  int
}

// Engine evaluates requests against the ambient signal state.
type Engine struct {
	cfg     Config
	signals *Signals
	audit   *Audit
	now     func() time.Time
}

// NewEngine validates the weight split and wires the engine.
func NewEngine(signals *Signals, audit *Audit, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Weights.sum() != 100 {
		return nil, fmt.Errorf("trust weights must sum to 100, got %d", cfg.Weights.sum())
	}
	return &Engine{cfg: cfg, signals: signals, audit: audit, now: time.Now}, nil
}

// Evaluate scores the request and records the decision on the audit
// trail. Signal-store failures degrade the affected sub-score to its
// conservative baseline rather than failing the evaluation.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("trust.evaluate"))
	if req.Subject.DID == "" && !req.Subject.Service {
		return Decision{}, errors.New("evaluation requires a subject identity")
	}

	now := e.now().UTC()
	var reasons []string

	sub := subScores{}
	var mfaVerified bool
	sub.auth, mfaVerified, reasons = e.authScore(ctx, req, now, reasons)
	sub.device, reasons = e.deviceScore(ctx, req, reasons)
	sub.behavior, reasons = e.behaviorScore(ctx, req, now, reasons)
	sub.network, reasons = e.networkScore(ctx, req, reasons)

	w := e.cfg.Weights
	score := (sub.auth*w.Authentication + sub.device*w.Device +
		sub.behavior*w.Behavior + sub.network*w.Network) / 100

	threshold := e.cfg.MinTrustScore
	if req.Subject.Service {
		threshold = e.cfg.ServiceMinTrustScore
	}
	allow := score >= threshold

	summary := fmt.Sprintf("granted: score %d meets threshold %d", score, threshold)
	if !allow {
		summary = fmt.Sprintf("denied: score %d below threshold %d", score, threshold)
	}
	decision := Decision{
		Allow:   allow,
		Score:   score,
		Reasons: append([]string{summary}, reasons...),
	}

	// Offer step-up only when it would actually close the gap: the score
	// is within the margin and the weighted MFA bonus covers the
	// shortfall.
	if !allow && !mfaVerified && threshold-score <= e.cfg.ObligationMargin &&
		mfaBonus*w.Authentication/100 >= threshold-score {
		decision.Obligations = append(decision.Obligations, ObligationStepUpMFA)
	}

	metrics.TrustScore.Observe(float64(score))
	if e.audit != nil {
		id, err := e.audit.Append(ctx, Record{
			DID:      req.Subject.DID,
			Action:   req.Action,
			Resource: req.Resource,
			Allow:    allow,
			Score:    score,
			Reasons:  decision.Reasons,
		})
		if err != nil {
			log.Warn("trust audit append failed", logger.Err(err))
		} else {
			decision.AuditID = id
		}
	}

	log.Debug("trust evaluated",
		logger.DID(req.Subject.DID),
		logger.Action(req.Action),
		logger.Score(score),
		logger.Bool("allow", allow),
	)
	return decision, nil
}

// mfaBonus is the authentication bump for a session that completed MFA.
const mfaBonus = 20

func (e *Engine) authScore(ctx context.Context, req Request, now time.Time, reasons []string) (int, bool, []string) {
	score := 0
	mfaVerified := false
	switch {
	case req.Subject.Service:
		score = 50
		reasons = append(reasons, "service identity")
	case req.Subject.DID != "":
		score = 40
		reasons = append(reasons, "authenticated identity")
	}

	for _, r := range req.Subject.Roles {
		if r == authz.RoleAdmin {
			score += 20
			reasons = append(reasons, "elevated role held")
			break
		}
	}

	if req.Context.SessionID != "" {
		verified, err := e.signals.MFAVerified(ctx, req.Context.SessionID)
		if err == nil && verified {
			score += mfaBonus
			mfaVerified = true
			reasons = append(reasons, "mfa verified")
		}
	}

	if !req.Context.SessionCreatedAt.IsZero() &&
		now.Sub(req.Context.SessionCreatedAt) < e.cfg.FreshSessionAge {
		score += 10
		reasons = append(reasons, "fresh session")
	}

	return clamp(score), mfaVerified, reasons
}

func (e *Engine) deviceScore(ctx context.Context, req Request, reasons []string) (int, []string) {
	if req.Context.DeviceID == "" {
		reasons = append(reasons, "no device identifier")
		return 30, reasons
	}
	p, err := e.signals.device(ctx, req.Subject.DID, req.Context.DeviceID)
	if err != nil {
		reasons = append(reasons, "unknown device")
		return 40, reasons
	}

	score := 50
	if p.Encrypted {
		score += 20
	}
	if p.ScreenLock {
		score += 15
	}
	if p.OSCurrent {
		score += 15
	}
	reasons = append(reasons, "known device")
	return clamp(score), reasons
}

func (e *Engine) behaviorScore(ctx context.Context, req Request, now time.Time, reasons []string) (int, []string) {
	events, err := e.signals.RecentEvents(ctx, req.Subject.DID, now.Add(-e.cfg.EventWindow))
	if err != nil {
		reasons = append(reasons, "event history unavailable")
		return 50, reasons
	}

	score := 90
	failed := 0
	for _, ev := range events {
		if ev.Type == EventFailedLogin {
			failed++
			score -= 15
		} else {
			score -= 5
		}
	}
	if score < 10 {
		score = 10
	}
	if failed > 0 {
		reasons = append(reasons, fmt.Sprintf("%d recent failed login(s)", failed))
	} else if len(events) == 0 {
		reasons = append(reasons, "clean event history")
	}
	return score, reasons
}

func (e *Engine) networkScore(ctx context.Context, req Request, reasons []string) (int, []string) {
	rep, err := e.signals.IPReputation(ctx, req.Context.IPAddress)
	if err != nil {
		rep = "unknown"
	}
	switch rep {
	case "trusted":
		reasons = append(reasons, "trusted network")
		return 90, reasons
	case "flagged":
		reasons = append(reasons, "flagged network")
		return 20, reasons
	default:
		reasons = append(reasons, "unrecognized network")
		return 60, reasons
	}
}

func clamp(v int) int {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
