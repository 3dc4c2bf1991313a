package processor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/veil/internal/event"
)

const (
	maxAnomalies         = 1000
	anomalyMinSamples    = 20
	anomalyProbability   = 0.05
	temporalMinCount     = 2
	ngramMinOccurrences  = 2
	ngramMinLen          = 2
	ngramMaxLen          = 4
	sequencePatternScore = 0.5
)

// WorkflowPattern is a recurring action sequence.
type WorkflowPattern struct {
	Key         string
	Sequence    []event.EventType
	Frequency   int
	AvgDuration time.Duration
	Confidence  float64
	HourWindow  [2]int
	EventTypes  []event.EventType
}

// TemporalPattern is an hour of day with concentrated activity.
type TemporalPattern struct {
	Pattern  string
	Hour     int
	Count    int
	Accuracy float64
}

// WorkflowAnomaly is a privatized action whose transition is rare.
type WorkflowAnomaly struct {
	Action  event.UserAction
	Score   float64
	Reasons []string
}

type namedSequence struct {
	key        string
	sequence   []event.EventType
	confidence float64
}

var knownSequences = []namedSequence{
	{"template_selection", []event.EventType{event.DocumentOpen, event.TemplateSelect}, 0.85},
	{"template_customization", []event.EventType{event.TemplateSelect, event.TemplateCustomize}, 0.8},
	{"form_completion", []event.EventType{event.FormFieldEdit, event.FormValidate}, 0.8},
	{"edit_and_save", []event.EventType{event.DocumentEdit, event.DocumentSave}, 0.75},
	{"search_to_open", []event.EventType{event.SearchQuery, event.DocumentOpen}, 0.7},
}

// transitionTable is a first-order Markov model over arrival order.
type transitionTable struct {
	counts map[event.EventType]map[event.EventType]int
	totals map[event.EventType]int
	last   event.EventType
}

func newTransitionTable() *transitionTable {
	return &transitionTable{
		counts: make(map[event.EventType]map[event.EventType]int),
		totals: make(map[event.EventType]int),
	}
}

func (t *transitionTable) record(typ event.EventType) {
	if t.last != 0 {
		row, ok := t.counts[t.last]
		if !ok {
			row = make(map[event.EventType]int)
			t.counts[t.last] = row
		}
		row[typ]++
		t.totals[t.last]++
	}
	t.last = typ
}

func (t *transitionTable) probability(from, to event.EventType) (float64, int) {
	total := t.totals[from]
	if total == 0 {
		return 0, 0
	}
	return float64(t.counts[from][to]) / float64(total), total
}

// patternStore accumulates patterns across batches, keyed for dedup.
type patternStore struct {
	patterns []WorkflowPattern
	index    map[string]int
	temporal []TemporalPattern
	tindex   map[string]int
}

func newPatternStore() *patternStore {
	return &patternStore{
		index:  make(map[string]int),
		tindex: make(map[string]int),
	}
}

// groupByDocument keeps arrival order within each document and returns the
// documents in first-seen order.
func groupByDocument(actions []event.UserAction) [][]event.UserAction {
	var order []string
	groups := make(map[string][]event.UserAction)
	for _, a := range actions {
		if _, ok := groups[a.DocumentID]; !ok {
			order = append(order, a.DocumentID)
		}
		groups[a.DocumentID] = append(groups[a.DocumentID], a)
	}
	out := make([][]event.UserAction, 0, len(order))
	for _, doc := range order {
		out = append(out, groups[doc])
	}
	return out
}

func (s *patternStore) detect(actions []event.UserAction) []WorkflowPattern {
	found := make(map[string]WorkflowPattern)
	var order []string
	add := func(p WorkflowPattern) {
		if _, ok := found[p.Key]; ok {
			return
		}
		found[p.Key] = p
		order = append(order, p.Key)
	}

	for _, doc := range groupByDocument(actions) {
		types := make([]event.EventType, len(doc))
		for i, a := range doc {
			types[i] = a.Type
		}
		window, span := hourWindow(doc)

		for _, known := range knownSequences {
			if isSubsequence(known.sequence, types) {
				add(WorkflowPattern{
					Key:         known.key,
					Sequence:    known.sequence,
					Frequency:   1,
					AvgDuration: span,
					Confidence:  known.confidence,
					HourWindow:  window,
					EventTypes:  distinct(known.sequence),
				})
			}
		}

		for n := ngramMinLen; n <= ngramMaxLen && n <= len(types); n++ {
			counts := make(map[string]int)
			grams := make(map[string][]event.EventType)
			for i := 0; i+n <= len(types); i++ {
				g := types[i : i+n]
				k := sequenceKey(g)
				counts[k]++
				grams[k] = g
			}
			possible := len(types) - n + 1
			for k, c := range counts {
				if c < ngramMinOccurrences {
					continue
				}
				seq := append([]event.EventType(nil), grams[k]...)
				add(WorkflowPattern{
					Key:         k,
					Sequence:    seq,
					Frequency:   1,
					AvgDuration: span,
					Confidence:  max(sequencePatternScore, float64(c)/float64(possible)),
					HourWindow:  window,
					EventTypes:  distinct(seq),
				})
			}
		}
	}

	out := make([]WorkflowPattern, 0, len(order))
	for _, k := range order {
		p := found[k]
		s.merge(p)
		out = append(out, p)
	}
	return out
}

func (s *patternStore) merge(p WorkflowPattern) {
	i, ok := s.index[p.Key]
	if !ok {
		s.index[p.Key] = len(s.patterns)
		s.patterns = append(s.patterns, p)
		return
	}
	cur := &s.patterns[i]
	total := cur.AvgDuration*time.Duration(cur.Frequency) + p.AvgDuration
	cur.Frequency++
	cur.AvgDuration = total / time.Duration(cur.Frequency)
	cur.Confidence = max(cur.Confidence, p.Confidence)
	cur.HourWindow[0] = min(cur.HourWindow[0], p.HourWindow[0])
	cur.HourWindow[1] = max(cur.HourWindow[1], p.HourWindow[1])
}

func (s *patternStore) detectTemporal(actions []event.UserAction) []TemporalPattern {
	if len(actions) == 0 {
		return nil
	}
	var hours [24]int
	for _, a := range actions {
		hours[a.Timestamp.UTC().Hour()]++
	}

	var out []TemporalPattern
	for h, c := range hours {
		if c <= temporalMinCount {
			continue
		}
		tp := TemporalPattern{
			Pattern:  fmt.Sprintf("peak_activity_hour_%d", h),
			Hour:     h,
			Count:    c,
			Accuracy: float64(c) / float64(len(actions)),
		}
		out = append(out, tp)

		if i, ok := s.tindex[tp.Pattern]; ok {
			s.temporal[i].Count += c
			s.temporal[i].Accuracy = max(s.temporal[i].Accuracy, tp.Accuracy)
		} else {
			s.tindex[tp.Pattern] = len(s.temporal)
			s.temporal = append(s.temporal, tp)
		}
	}
	return out
}

func (p *Processor) detectAnomalies(actions []event.UserAction) []WorkflowAnomaly {
	var out []WorkflowAnomaly
	for _, doc := range groupByDocument(actions) {
		for i := 1; i < len(doc); i++ {
			from, to := doc[i-1].Type, doc[i].Type
			prob, samples := p.transitions.probability(from, to)
			if samples < anomalyMinSamples || prob >= anomalyProbability {
				continue
			}
			out = append(out, WorkflowAnomaly{
				Action: doc[i],
				Score:  1 - prob,
				Reasons: []string{
					fmt.Sprintf("rare transition %s -> %s (p=%.3f)", from, to, prob),
				},
			})
		}
	}
	return out
}

func (p *Processor) recordAnomalies(found []WorkflowAnomaly) {
	p.anomalies = append(p.anomalies, found...)
	if over := len(p.anomalies) - maxAnomalies; over > 0 {
		p.anomalies = append(p.anomalies[:0], p.anomalies[over:]...)
	}
}

func hourWindow(actions []event.UserAction) ([2]int, time.Duration) {
	lo, hi := 23, 0
	first, last := actions[0].Timestamp, actions[0].Timestamp
	for _, a := range actions {
		h := a.Timestamp.UTC().Hour()
		lo = min(lo, h)
		hi = max(hi, h)
		if a.Timestamp.Before(first) {
			first = a.Timestamp
		}
		if a.Timestamp.After(last) {
			last = a.Timestamp
		}
	}
	return [2]int{lo, hi}, last.Sub(first)
}

func isSubsequence(needle, haystack []event.EventType) bool {
	i := 0
	for _, t := range haystack {
		if i < len(needle) && t == needle[i] {
			i++
		}
	}
	return i == len(needle)
}

func sequenceKey(seq []event.EventType) string {
	parts := make([]string, len(seq))
	for i, t := range seq {
		parts[i] = t.String()
	}
	return "sequence:" + strings.Join(parts, ">")
}

func distinct(seq []event.EventType) []event.EventType {
	seen := make(map[event.EventType]bool)
	var out []event.EventType
	for _, t := range seq {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DetectedPatterns returns every pattern seen so far.
func (p *Processor) DetectedPatterns() []WorkflowPattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WorkflowPattern(nil), p.patterns.patterns...)
}

// TemporalPatterns returns every peak-hour pattern seen so far.
func (p *Processor) TemporalPatterns() []TemporalPattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TemporalPattern(nil), p.patterns.temporal...)
}

// Anomalies returns the most recent anomalies.
func (p *Processor) Anomalies() []WorkflowAnomaly {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WorkflowAnomaly(nil), p.anomalies...)
}

// TransitionProbability is the observed probability that to follows from.
func (p *Processor) TransitionProbability(from, to event.EventType) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	prob, _ := p.transitions.probability(from, to)
	return prob
}

// MostLikelyNext predicts the action most often seen after from.
func (p *Processor) MostLikelyNext(from event.EventType) (event.EventType, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row := p.transitions.counts[from]
	if len(row) == 0 {
		return 0, 0, false
	}
	var best event.EventType
	bestCount := -1
	for to, c := range row {
		if c > bestCount || (c == bestCount && to < best) {
			best, bestCount = to, c
		}
	}
	return best, float64(bestCount) / float64(p.transitions.totals[from]), true
}
