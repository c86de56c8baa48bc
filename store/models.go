// Package store provides the relational persistence layer for the content
// automation pipeline. The database is the single source of truth for all
// idempotency and uniqueness guarantees: signal content hashes, webhook event
// ids, review-queue keys, and similarity pair keys are all enforced here, not
// in process memory.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Metadata is an open key/value map persisted as jsonb. Known keys are
// documented at each use site; callers may attach additional keys freely.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(Metadata{})
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = nil
		return nil
	default:
		return errors.New("metadata assertion to []byte failed")
	}
}

// StringList is a jsonb-persisted list of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal(StringList{})
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	case nil:
		*l = nil
		return nil
	default:
		return errors.New("string list assertion to []byte failed")
	}
}

// ScoreMap holds the extensible enhanced-scoring dimensions of an insight.
// Each value is an integer in [1,10].
type ScoreMap map[string]int

func (s ScoreMap) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal(ScoreMap{})
	}
	return json.Marshal(s)
}

func (s *ScoreMap) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return errors.New("score map assertion to []byte failed")
	}
}

// MarketSize buckets an insight's addressable market.
type MarketSize string

const (
	MarketSmall  MarketSize = "small"
	MarketMedium MarketSize = "medium"
	MarketLarge  MarketSize = "large"
)

// Valid reports whether the bucket is one of the known values.
func (m MarketSize) Valid() bool {
	switch m {
	case MarketSmall, MarketMedium, MarketLarge:
		return true
	default:
		return false
	}
}

// ReviewStatus is the state of a review queue entry.
// Transitions: pending -> {approved, rejected, flagged}; flagged re-enters
// human review; approved and rejected are terminal.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewFlagged  ReviewStatus = "flagged"
)

// Terminal reports whether no further automatic transition applies.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewApproved || s == ReviewRejected
}

// SimilarityType classifies how close a flagged pair is.
type SimilarityType string

const (
	SimilarityExact    SimilarityType = "exact"
	SimilarityNear     SimilarityType = "near"
	SimilarityThematic SimilarityType = "thematic"
)

// Resolution is the outcome a human or policy assigns to a similarity pair.
type Resolution string

const (
	ResolutionKeepBoth    Resolution = "keep_both"
	ResolutionMerge       Resolution = "merge"
	ResolutionDeleteNewer Resolution = "delete_newer"
)

// ScheduleType selects how an agent decides its next run.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleManual   ScheduleType = "manual"
)

// RunStatus is the lifecycle state of a scheduled agent run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// WebhookStatus is the processing state of an externally delivered event.
type WebhookStatus string

const (
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// RawSignal is one scraped item, written once by a scraper adapter and
// mutated only to set Processed once an insight is derived.
//
// ContentHash carries a partial unique index: uniqueness is enforced only
// among non-null hashes so historical rows without a computed hash are
// unaffected.
type RawSignal struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Source      string    `gorm:"index;not null" json:"source"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	ContentHash *string   `gorm:"uniqueIndex:idx_raw_signals_content_hash,where:content_hash IS NOT NULL" json:"content_hash,omitempty"`
	Metadata    Metadata  `gorm:"type:jsonb" json:"metadata,omitempty"`
	Processed   bool      `gorm:"index;default:false" json:"processed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Insight is the structured analysis derived from exactly one raw signal.
// It is deleted together with its source signal.
type Insight struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	RawSignalID      uint       `gorm:"not null;index" json:"raw_signal_id"`
	RawSignal        *RawSignal `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ProblemStatement string     `json:"problem_statement"`
	ProposedSolution string     `json:"proposed_solution"`
	MarketSize       MarketSize `json:"market_size"`
	RelevanceScore   float64    `json:"relevance_score"`
	Competitors      StringList `gorm:"type:jsonb" json:"competitors"`
	Scores           ScoreMap   `gorm:"type:jsonb" json:"scores"`
	Published        bool       `gorm:"index;default:false" json:"published"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// QualityScore collapses the insight's scores into a single [0,1] value for
// review routing. Dimension scores (1-10 each) are averaged and normalized,
// then averaged with the relevance score; with no dimensions the relevance
// score stands alone.
func (i *Insight) QualityScore() float64 {
	if len(i.Scores) == 0 {
		return i.RelevanceScore
	}
	var sum int
	for _, s := range i.Scores {
		sum += s
	}
	dims := float64(sum) / float64(len(i.Scores)) / 10.0
	return (i.RelevanceScore + dims) / 2.0
}

// ReviewQueueEntry is the single source of truth for the review state of one
// piece of AI-generated content. The (content_type, content_id) unique index
// guarantees re-submission updates the existing row instead of double-queuing.
type ReviewQueueEntry struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	ContentType  string       `gorm:"uniqueIndex:idx_review_queue_content;not null" json:"content_type"`
	ContentID    uint         `gorm:"uniqueIndex:idx_review_queue_content;not null" json:"content_id"`
	QualityScore *float64     `json:"quality_score,omitempty"`
	Status       ReviewStatus `gorm:"index;default:pending" json:"status"`
	AutoApproved bool         `json:"auto_approved"`
	ReviewedBy   string       `json:"reviewed_by,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ReviewedAt   *time.Time   `json:"reviewed_at,omitempty"`
}

// ContentSimilarity records one unordered pair of insights flagged as
// similar. Pairs are stored in canonical order (SourceID < SimilarID) so
// (A,B) and (B,A) never produce two rows; the pair carries a unique index.
type ContentSimilarity struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	SourceID   uint           `gorm:"uniqueIndex:idx_similarity_pair;not null" json:"source_id"`
	SimilarID  uint           `gorm:"uniqueIndex:idx_similarity_pair;not null" json:"similar_id"`
	Score      float64        `json:"score"`
	Type       SimilarityType `json:"type"`
	Resolved   bool           `gorm:"index;default:false" json:"resolved"`
	Resolution *Resolution    `json:"resolution,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AgentConfig is one named background agent's configuration. Rows are seeded
// with defaults on first reference and never deleted.
type AgentConfig struct {
	ID                uint         `gorm:"primaryKey" json:"id"`
	Name              string       `gorm:"uniqueIndex;not null" json:"name"`
	Enabled           bool         `gorm:"default:true" json:"enabled"`
	Model             string       `json:"model"`
	Temperature       float64      `json:"temperature"`
	MaxOutputTokens   int          `json:"max_output_tokens"`
	RateLimitPerHour  int          `json:"rate_limit_per_hour"`
	CostLimitDailyUSD float64      `json:"cost_limit_daily_usd"`
	ScheduleType      ScheduleType `gorm:"default:manual" json:"schedule_type"`
	CronExpression    string       `json:"cron_expression,omitempty"`
	IntervalHours     int          `json:"interval_hours,omitempty"`
	NextRunAt         *time.Time   `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ExecutionLog is the append-only audit trail of scheduled runs. A row is
// created at run start and updated exactly once at completion; no other
// writer touches it mid-run.
//
// Known metadata keys: "reason" (skip reason), "trigger" (scheduled/manual).
type ExecutionLog struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	RunID          string     `gorm:"uniqueIndex;not null" json:"run_id"`
	AgentName      string     `gorm:"index;not null" json:"agent_name"`
	Source         string     `json:"source,omitempty"`
	Status         RunStatus  `gorm:"index" json:"status"`
	StartedAt      time.Time  `gorm:"index" json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsFailed    int        `json:"items_failed"`
	CostUSD        float64    `json:"cost_usd"`
	Error          string     `json:"error,omitempty"`
	Metadata       Metadata   `gorm:"type:jsonb" json:"metadata,omitempty"`
}

// WebhookEvent is one externally delivered event. The unique index on
// EventID is the idempotency anchor: the row is created exactly once per
// external id and only appended to afterwards.
type WebhookEvent struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	EventID     string          `gorm:"uniqueIndex;not null" json:"event_id"`
	EventType   string          `json:"event_type"`
	Status      WebhookStatus   `gorm:"index" json:"status"`
	Payload     json.RawMessage `gorm:"type:jsonb" json:"payload,omitempty"`
	Result      json.RawMessage `gorm:"type:jsonb" json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}
