// Package privacy turns raw user actions into privatized ones: users are
// placed into anonymity groups, timestamps and numeric metadata receive
// Laplace noise, document ids are replaced by group references and
// sensitive metadata is sealed. Each privatization consumes a slice of a
// fixed epsilon budget.
package privacy

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/guard"
	"github.com/felixgeelhaar/veil/internal/seal"
)

var (
	ErrBudgetExhausted     = errors.New("privacy budget exhausted")
	ErrKAnonymityViolation = errors.New("k-anonymity violation")
	ErrEncryptionFailed    = errors.New("field encryption failed")
	ErrDecryptionFailed    = errors.New("field decryption failed")
)

// Level summarizes a compliance score.
type Level string

const (
	LevelMaximum Level = "maximum"
	LevelHigh    Level = "high"
	LevelMedium  Level = "medium"
	LevelLow     Level = "low"
	LevelMinimal Level = "minimal"
)

// LevelForScore maps a score in [0,1] to a level.
func LevelForScore(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelMaximum
	case score >= 0.7:
		return LevelHigh
	case score >= 0.5:
		return LevelMedium
	case score >= 0.3:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// ComplianceResult is the outcome of VerifyCompliance.
type ComplianceResult struct {
	IsCompliant bool
	Score       float64
	Violations  []string
	Level       Level
}

// Metrics is a snapshot of engine state.
type Metrics struct {
	Epsilon          float64
	BudgetUsed       float64
	BudgetRemaining  float64
	GroupCount       int
	AverageGroupSize float64
	NoiseVariance    float64
	EncryptedFields  int
}

// Engine owns all privacy state. Every public method holds the engine lock
// for its full duration.
type Engine struct {
	mu     sync.Mutex
	guard  *guard.Guard
	sealer *seal.Sealer
	rng    *rand.Rand

	usedBudget      float64
	groups          map[string]map[string]struct{}
	userGroup       map[string]string
	encryptedFields int

	noiseCount int
	noiseSum   float64
	noiseSumSq float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the noise source.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

func New(g *guard.Guard, s *seal.Sealer, opts ...Option) *Engine {
	e := &Engine{
		guard:     g,
		sealer:    s,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		groups:    make(map[string]map[string]struct{}),
		userGroup: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Privatize returns a privatized copy of a. On error the budget and the
// input are untouched.
func (e *Engine) Privatize(a event.UserAction) (event.UserAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v := e.guard.CheckBudget(e.usedBudget); v != nil {
		return event.UserAction{}, fmt.Errorf("%w: %s", ErrBudgetExhausted, v.Message)
	}

	out := a.Clone()
	user := a.UserID()
	e.assignGroup(user)

	groupID, ok := e.userGroup[user]
	if !ok {
		return event.UserAction{}, fmt.Errorf("%w: no group for user", ErrKAnonymityViolation)
	}

	eps := e.guard.Policy().Epsilon
	out.Timestamp = e.noisyTime(a.Timestamp, eps)
	out.DocumentID = GroupDocumentID(groupID)
	e.noiseNumeric(out.Metadata, eps)

	sealed, err := e.sealSensitive(out.Metadata)
	if err != nil {
		return event.UserAction{}, err
	}

	e.encryptedFields += sealed
	e.usedBudget += e.guard.Cost()
	return out, nil
}

// GroupDocumentID is the document reference carried by privatized actions.
func GroupDocumentID(groupID string) string {
	prefix := groupID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "group-" + prefix + "-doc"
}

// GroupOf returns the anonymity group a user belongs to.
func (e *Engine) GroupOf(user string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.userGroup[user]
	return g, ok
}

// assignGroup places a user into the first group that has room and does not
// already contain them, or opens a new group.
func (e *Engine) assignGroup(user string) {
	if _, ok := e.userGroup[user]; ok {
		return
	}
	capacity := e.guard.GroupCapacity()
	for id, members := range e.groups {
		if len(members) >= capacity {
			continue
		}
		if _, present := members[user]; present {
			continue
		}
		members[user] = struct{}{}
		e.userGroup[user] = id
		return
	}
	id := uuid.NewString()
	e.groups[id] = map[string]struct{}{user: {}}
	e.userGroup[user] = id
}

// laplace samples Laplace(0, 1/eps) by inverse CDF.
func (e *Engine) laplace(eps float64) float64 {
	scale := 1 / eps
	// u is uniform on (-0.5, 0.5]; the inverse CDF diverges at 0.5, so
	// that single point is redrawn.
	u := 0.5 - e.rng.Float64()
	for u == 0.5 {
		u = 0.5 - e.rng.Float64()
	}
	var n float64
	if u < 0 {
		n = scale * math.Log(1+2*u)
	} else {
		n = -scale * math.Log(1-2*u)
	}
	e.noiseCount++
	e.noiseSum += n
	e.noiseSumSq += n * n
	return n
}

func (e *Engine) noisyTime(t time.Time, eps float64) time.Time {
	n := e.laplace(eps)
	return t.Add(time.Duration(n * float64(time.Second)))
}

// noiseNumeric perturbs every numeric metadata value. Epsilon is split
// across the numeric fields so one action consumes eps in total.
func (e *Engine) noiseNumeric(meta map[string]string, eps float64) {
	var numeric []string
	for k, v := range meta {
		if e.guard.IsSensitive(k) {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			numeric = append(numeric, k)
		}
	}
	if len(numeric) == 0 {
		return
	}
	fieldEps := eps / float64(len(numeric))
	for _, k := range numeric {
		x, _ := strconv.ParseFloat(meta[k], 64)
		meta[k] = strconv.FormatFloat(x+e.laplace(fieldEps), 'f', -1, 64)
	}
}

func (e *Engine) sealSensitive(meta map[string]string) (int, error) {
	n := 0
	for k, v := range meta {
		if v == "" || !e.guard.IsSensitive(k) || seal.IsSealed(v) {
			continue
		}
		sealed, err := e.sealer.Seal(k, v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrEncryptionFailed, k, err)
		}
		meta[k] = sealed
		n++
	}
	return n, nil
}

// RevealField opens a sealed metadata value for audit.
func (e *Engine) RevealField(key, value string) (string, error) {
	plain, err := e.sealer.Open(key, value)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDecryptionFailed, key, err)
	}
	return plain, nil
}

// VerifyCompliance scores an action against the three protections. The
// noise check is a heuristic: Laplace noise leaves a sub-second fraction
// on the timestamp.
func (e *Engine) VerifyCompliance(a event.UserAction) ComplianceResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	score := 1.0
	var violations []string

	if a.Timestamp.Nanosecond()/int(time.Millisecond) == 0 {
		violations = append(violations, "differential privacy noise not detected")
		score -= 0.3
	}

	groupID, ok := e.groupFor(a)
	if !ok {
		violations = append(violations, "action not attributable to an anonymity group")
		score -= 0.4
	} else if v := e.guard.CheckGroup(len(e.groups[groupID])); v != nil {
		violations = append(violations, v.Message)
		score -= 0.4
	}

	// Empty values carry nothing to protect.
	sensitive, sealed := 0, 0
	for k, v := range a.Metadata {
		if v == "" || !e.guard.IsSensitive(k) {
			continue
		}
		sensitive++
		if seal.IsSealed(v) {
			sealed++
		}
	}
	if sealed < sensitive {
		violations = append(violations, fmt.Sprintf("%d sensitive fields not encrypted", sensitive-sealed))
		score -= 0.3
	}

	score = math.Max(0, score)
	return ComplianceResult{
		IsCompliant: len(violations) == 0,
		Score:       score,
		Violations:  violations,
		Level:       LevelForScore(score),
	}
}

// groupFor resolves a privatized action through its group document
// reference, and a raw action through its acting user.
func (e *Engine) groupFor(a event.UserAction) (string, bool) {
	if ref, ok := strings.CutPrefix(a.DocumentID, "group-"); ok {
		if prefix, ok := strings.CutSuffix(ref, "-doc"); ok && prefix != "" {
			for id := range e.groups {
				if strings.HasPrefix(id, prefix) {
					return id, true
				}
			}
		}
	}
	id, ok := e.userGroup[a.UserID()]
	return id, ok
}

// Metrics returns a snapshot of budget, group and noise statistics.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	policy := e.guard.Policy()
	m := Metrics{
		Epsilon:         policy.Epsilon,
		BudgetUsed:      e.usedBudget,
		BudgetRemaining: math.Max(0, policy.TotalBudget-e.usedBudget),
		GroupCount:      len(e.groups),
		EncryptedFields: e.encryptedFields,
	}
	if len(e.groups) > 0 {
		total := 0
		for _, members := range e.groups {
			total += len(members)
		}
		m.AverageGroupSize = float64(total) / float64(len(e.groups))
	}
	if e.noiseCount > 1 {
		mean := e.noiseSum / float64(e.noiseCount)
		m.NoiseVariance = e.noiseSumSq/float64(e.noiseCount) - mean*mean
	}
	return m
}
