// Package graph feeds processed batches into the semantic index and answers
// search and analytics queries over it.
package graph

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/veil/internal/codec"
	"github.com/felixgeelhaar/veil/internal/embedding"
	"github.com/felixgeelhaar/veil/internal/event"
	"github.com/felixgeelhaar/veil/internal/observe"
	"github.com/felixgeelhaar/veil/internal/privacy"
	"github.com/felixgeelhaar/veil/internal/processor"
	"github.com/felixgeelhaar/veil/internal/seal"
	"github.com/felixgeelhaar/veil/internal/store"
)

const (
	// Namespace separates workflow telemetry from other index content.
	Namespace       = "UserRecords"
	MetadataVersion = "1.0"
	FollowedBy      = "followed_by"

	defaultEdgeWeight = 0.5
)

// Metadata keys written with every indexed action.
const (
	KeyEventType        = "eventType"
	KeyTimestamp        = "timestamp"
	KeyDocumentID       = "documentId"
	KeyPrivacyProtected = "privacyProtected"
	KeyNamespace        = "namespace"
	KeyVersion          = "version"
	KeyTemplateID       = "templateId"
)

// Index is the semantic index collaborator.
type Index interface {
	IndexContent(ctx context.Context, content, namespace string, metadata map[string]string) error
	SemanticSearch(ctx context.Context, query, namespace string, limit int, filters map[string]string) ([]store.SearchResult, error)
	NamespaceStatistics(ctx context.Context, namespace string) (store.NamespaceStats, error)
	AddRelationship(ctx context.Context, from, to, relType string, weight float32, namespace string) error
	DeleteContent(ctx context.Context, namespace string, olderThan time.Time) (int, error)
	CountByMetadata(ctx context.Context, namespace, key string) (map[string]int, error)
}

// Archiver persists packed batches.
type Archiver interface {
	SaveArchive(archive *store.Archive, content []byte) error
}

// PrivacyEngine privatizes single events and reports its state.
type PrivacyEngine interface {
	Privatize(event.UserAction) (event.UserAction, error)
	Metrics() privacy.Metrics
}

// Relationship is an edge between two indexed events.
type Relationship struct {
	SourceEventID string
	TargetEventID string
	Type          string
	Strength      float32
}

// SearchResult is a workflow search hit.
type SearchResult struct {
	WorkflowID   string
	EventType    event.EventType
	Similarity   float32
	Timestamp    time.Time
	PrivacyLevel privacy.Level
}

// Analytics summarizes the indexed workflow data.
type Analytics struct {
	TotalIndexedEvents    int64
	NamespaceSize         int
	EmbeddingDimension    int
	AverageIndexingTime   time.Duration
	LastIndexingTime      time.Duration
	EventTypeDistribution map[event.EventType]int
	TemporalPatterns      []string
	Relationships         int
	Archives              int
	Privacy               privacy.Metrics
}

// Updater is the processor's batch sink.
type Updater struct {
	index       Index
	archiver    Archiver
	engine      PrivacyEngine
	encoder     *event.Encoder
	compression codec.Compression
	obs         *observe.Observer
	now         func() time.Time

	mu           sync.Mutex
	indexed      int64
	indexingTime time.Duration
	lastIndexing time.Duration
	hours        map[int]int
}

// Option configures an Updater.
type Option func(*Updater)

// WithArchiver stores a packed copy of every batch.
func WithArchiver(a Archiver, enc *event.Encoder, c codec.Compression) Option {
	return func(u *Updater) {
		u.archiver = a
		u.encoder = enc
		u.compression = c
	}
}

// WithObserver sets the logger and tracer.
func WithObserver(o *observe.Observer) Option {
	return func(u *Updater) { u.obs = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

func New(index Index, engine PrivacyEngine, opts ...Option) *Updater {
	u := &Updater{
		index:  index,
		engine: engine,
		obs:    observe.Nop(),
		now:    time.Now,
		hours:  make(map[int]int),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Consume indexes a processed batch, links consecutive actions on the same
// document and archives the batch.
func (u *Updater) Consume(ctx context.Context, r processor.Results) error {
	ctx, span := u.obs.StartSpan(ctx, "graph.consume")
	defer span.End()

	start := u.now()
	ids := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		ids[i] = uuid.NewString()
		if err := u.indexAction(ctx, a, ids[i]); err != nil {
			return fmt.Errorf("failed to index batch %d: %w", r.BatchID, err)
		}
	}
	u.recordIndexing(len(r.Actions), u.now().Sub(start))

	rels := linkDocuments(r.Actions, ids, r.Patterns)
	if err := u.UpdateGraphRelationships(ctx, rels); err != nil {
		return err
	}

	u.mu.Lock()
	for _, tp := range r.Temporal {
		u.hours[tp.Hour] += tp.Count
	}
	u.mu.Unlock()

	if u.archiver != nil && u.encoder != nil {
		if err := u.archive(r); err != nil {
			return err
		}
	}

	u.obs.Log().Debug().
		Int("batch", int(r.BatchID)).
		Int("indexed", len(r.Actions)).
		Int("relationships", len(rels)).
		Msg("Batch indexed")
	return nil
}

// IndexUserWorkflowEvent privatizes and indexes a single compact record.
func (u *Updater) IndexUserWorkflowEvent(ctx context.Context, e event.CompactWorkflowEvent) error {
	a := e.Action()
	if e.TemplateID != 0 {
		a.Metadata[KeyTemplateID] = strconv.FormatUint(uint64(e.TemplateID), 16)
	}

	out, err := u.engine.Privatize(a)
	if err != nil {
		return err
	}

	start := u.now()
	if err := u.indexAction(ctx, out, uuid.NewString()); err != nil {
		return err
	}
	u.recordIndexing(1, u.now().Sub(start))
	return nil
}

// SearchRelatedWorkflows runs a semantic query, optionally restricted to one
// event type. A zero eventType matches everything.
func (u *Updater) SearchRelatedWorkflows(ctx context.Context, query string, eventType event.EventType, limit int) ([]SearchResult, error) {
	var filters map[string]string
	if eventType != 0 {
		filters = map[string]string{KeyEventType: strconv.Itoa(int(eventType))}
	}
	hits, err := u.index.SemanticSearch(ctx, query, Namespace, limit, filters)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		r := SearchResult{
			WorkflowID:   h.ID,
			Similarity:   h.Similarity,
			PrivacyLevel: privacy.LevelLow,
		}
		if code, err := strconv.Atoi(h.Metadata[KeyEventType]); err == nil {
			r.EventType = event.EventType(code)
		}
		if ts, err := time.Parse(time.RFC3339, h.Metadata[KeyTimestamp]); err == nil {
			r.Timestamp = ts
		}
		if h.Metadata[KeyPrivacyProtected] == "true" {
			r.PrivacyLevel = privacy.LevelHigh
		}
		out = append(out, r)
	}
	return out, nil
}

// WorkflowAnalytics reports index size, the event type mix and the busiest
// hours seen so far.
func (u *Updater) WorkflowAnalytics(ctx context.Context) (Analytics, error) {
	stats, err := u.index.NamespaceStatistics(ctx, Namespace)
	if err != nil {
		return Analytics{}, err
	}
	counts, err := u.index.CountByMetadata(ctx, Namespace, KeyEventType)
	if err != nil {
		return Analytics{}, err
	}

	dist := make(map[event.EventType]int, len(counts))
	for k, n := range counts {
		if code, err := strconv.Atoi(k); err == nil {
			dist[event.EventType(code)] += n
		}
	}

	u.mu.Lock()
	a := Analytics{
		TotalIndexedEvents:    u.indexed,
		NamespaceSize:         stats.DocumentCount,
		EmbeddingDimension:    embedding.IndexDimension,
		LastIndexingTime:      u.lastIndexing,
		EventTypeDistribution: dist,
		TemporalPatterns:      temporalSummary(u.hours),
		Relationships:         stats.RelationshipCount,
		Archives:              stats.ArchiveCount,
	}
	if u.indexed > 0 {
		a.AverageIndexingTime = u.indexingTime / time.Duration(u.indexed)
	}
	u.mu.Unlock()

	if u.engine != nil {
		a.Privacy = u.engine.Metrics()
	}
	return a, nil
}

// UpdateGraphRelationships writes edges into the workflow namespace.
func (u *Updater) UpdateGraphRelationships(ctx context.Context, rels []Relationship) error {
	for _, r := range rels {
		if err := u.index.AddRelationship(ctx, r.SourceEventID, r.TargetEventID, r.Type, r.Strength, Namespace); err != nil {
			return fmt.Errorf("failed to add relationship %s -> %s: %w", r.SourceEventID, r.TargetEventID, err)
		}
	}
	return nil
}

// CleanupOldWorkflowData removes entries indexed more than olderThan ago.
func (u *Updater) CleanupOldWorkflowData(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := u.index.DeleteContent(ctx, Namespace, u.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	u.obs.Log().Info().Int("deleted", n).Msg("Cleaned up old workflow records")
	return n, nil
}

func (u *Updater) indexAction(ctx context.Context, a event.UserAction, id string) error {
	meta := map[string]string{
		store.IDKey:         id,
		KeyEventType:        strconv.Itoa(int(a.Type)),
		KeyTimestamp:        a.Timestamp.UTC().Format(time.RFC3339),
		KeyDocumentID:       a.DocumentID,
		KeyPrivacyProtected: "true",
		KeyNamespace:        Namespace,
		KeyVersion:          MetadataVersion,
	}
	return u.index.IndexContent(ctx, semanticContent(a), Namespace, meta)
}

func (u *Updater) recordIndexing(n int, d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.indexed += int64(n)
	u.indexingTime += d
	u.lastIndexing = d
}

func (u *Updater) archive(r processor.Results) error {
	anomalous := make(map[int]bool, len(r.Anomalies))
	for _, an := range r.Anomalies {
		for i, a := range r.Actions {
			if sameAction(a, an.Action) {
				anomalous[i] = true
			}
		}
	}

	records := make([]event.CompactWorkflowEvent, len(r.Actions))
	for i, a := range r.Actions {
		flags := event.FlagPrivacyProtected
		if a.Type.Category() == event.CategoryCompliance {
			flags = flags.With(event.FlagComplianceRelevant)
		}
		if hasSealed(a.Metadata) {
			flags = flags.With(event.FlagRequiresAudit)
		}
		if anomalous[i] {
			flags = flags.With(event.FlagTemporalAnomaly)
		}
		// The group document id stands in for the user so the archive is
		// no more identifying than the index.
		records[i] = u.encoder.Encode(a, a.DocumentID, a.Metadata[KeyTemplateID], flags)
	}

	data, err := codec.Encode(records, u.compression)
	if err != nil {
		return fmt.Errorf("failed to pack batch %d: %w", r.BatchID, err)
	}
	sum := blake3.Sum256(data)
	id := uuid.NewString()
	arc := &store.Archive{
		ID:        id,
		Namespace: Namespace,
		Path:      path.Join(Namespace, id+".cbor"),
		Codec:     string(u.compression),
		Count:     len(records),
		CreatedAt: u.now(),
		Digest:    hex.EncodeToString(sum[:]),
	}
	if err := u.archiver.SaveArchive(arc, data); err != nil {
		return fmt.Errorf("failed to archive batch %d: %w", r.BatchID, err)
	}
	return nil
}

// linkDocuments connects consecutive actions on the same document. Pairs
// that belong to a detected pattern carry that pattern's confidence.
func linkDocuments(actions []event.UserAction, ids []string, patterns []processor.WorkflowPattern) []Relationship {
	weights := make(map[[2]event.EventType]float64)
	for _, p := range patterns {
		for i := 1; i < len(p.Sequence); i++ {
			k := [2]event.EventType{p.Sequence[i-1], p.Sequence[i]}
			weights[k] = max(weights[k], p.Confidence)
		}
	}

	last := make(map[string]int)
	var rels []Relationship
	for i, a := range actions {
		if j, ok := last[a.DocumentID]; ok {
			w, ok := weights[[2]event.EventType{actions[j].Type, a.Type}]
			if !ok {
				w = defaultEdgeWeight
			}
			rels = append(rels, Relationship{
				SourceEventID: ids[j],
				TargetEventID: ids[i],
				Type:          FollowedBy,
				Strength:      float32(w),
			})
		}
		last[a.DocumentID] = i
	}
	return rels
}

// semanticContent is the text embedded for an action. Sealed values are
// named but never embedded.
func semanticContent(a event.UserAction) string {
	keys := make([]string, 0, len(a.Metadata))
	for k := range a.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := a.Metadata[k]
		if seal.IsSealed(v) {
			v = "sealed"
		}
		parts = append(parts, k+": "+v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s workflow event at hour %d.\n", a.Type.Description(), a.Timestamp.UTC().Hour())
	fmt.Fprintf(&b, "Document context: %s\n", a.DocumentID)
	if len(parts) > 0 {
		fmt.Fprintf(&b, "Metadata: %s\n", strings.Join(parts, ", "))
	}
	b.WriteString("Privacy level: protected with differential privacy")
	return b.String()
}

func temporalSummary(hours map[int]int) []string {
	type hc struct{ hour, count int }
	var list []hc
	for h, c := range hours {
		list = append(list, hc{h, c})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].hour < list[j].hour
	})
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = fmt.Sprintf("peak_activity_hour_%d (%d events)", e.hour, e.count)
	}
	return out
}

func sameAction(a, b event.UserAction) bool {
	return a.Type == b.Type && a.DocumentID == b.DocumentID && a.Timestamp.Equal(b.Timestamp)
}

func hasSealed(meta map[string]string) bool {
	for _, v := range meta {
		if seal.IsSealed(v) {
			return true
		}
	}
	return false
}
