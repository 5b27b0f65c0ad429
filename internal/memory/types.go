package memory

import (
	"strings"
	"time"
)

// Kind names one of the record kinds held by the store.
type Kind string

const (
	KindEvent     Kind = "event"
	KindEntity    Kind = "entity"
	KindLesson    Kind = "lesson"
	KindPrinciple Kind = "principle"
	KindSummary   Kind = "summary"
)

// StoreKinds lists the kinds accepted by Store and Recall, in canonical order.
var StoreKinds = []Kind{KindEvent, KindEntity, KindLesson, KindPrinciple, KindSummary}

// SearchKinds lists the kinds that carry a full-text index, in merge order.
var SearchKinds = []Kind{KindEvent, KindEntity, KindLesson}

// ParseKind accepts singular or plural kind names ("event", "events").
func ParseKind(s string) (Kind, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "event", "events":
		return KindEvent, true
	case "entity", "entities":
		return KindEntity, true
	case "lesson", "lessons":
		return KindLesson, true
	case "principle", "principles":
		return KindPrinciple, true
	case "summary", "summaries":
		return KindSummary, true
	}
	return "", false
}

// Tier is the age-derived classification of an event.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Record is implemented by every row type returned from Get and Recall.
type Record interface {
	RecordKind() Kind
	RecordID() string
}

// Agent is a tenant namespace. Agents are created lazily.
type Agent struct {
	ID        string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a time-stamped occurrence. Tier is recomputed on every write.
type Event struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Tier      Tier           `json:"tier"`
}

// Entity is a named thing; one current row per id.
type Entity struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Content   string         `json:"content"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Lesson is a learned observation. ConsolidatedTo marks it resolved.
type Lesson struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	SourceEventID  *string   `json:"source_event_id"`
	ConsolidatedTo *string   `json:"consolidated_to"`
}

// Principle is a consolidated rule. SourceLessons is informational only.
type Principle struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Name          string         `json:"name"`
	Content       string         `json:"content"`
	SourceLessons []string       `json:"source_lessons"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Summary is a periodic digest. CreatedAt keeps the first-write time.
type Summary struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Type       string    `json:"type"`
	Period     string    `json:"period"`
	Content    string    `json:"content"`
	EventCount int       `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// State is the free-text singleton per agent. UpdatedAt is nil when unset.
type State struct {
	Content   string     `json:"content"`
	UpdatedAt *time.Time `json:"updated_at"`
}

func (e Event) RecordKind() Kind     { return KindEvent }
func (e Event) RecordID() string     { return e.ID }
func (e Entity) RecordKind() Kind    { return KindEntity }
func (e Entity) RecordID() string    { return e.ID }
func (l Lesson) RecordKind() Kind    { return KindLesson }
func (l Lesson) RecordID() string    { return l.ID }
func (p Principle) RecordKind() Kind { return KindPrinciple }
func (p Principle) RecordID() string { return p.ID }
func (s Summary) RecordKind() Kind   { return KindSummary }
func (s Summary) RecordID() string   { return s.ID }

// StoreResult reports the id assigned by Store and the kind's primary timestamp.
type StoreResult struct {
	Kind      Kind       `json:"kind"`
	ID        string     `json:"id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// RecallFilter holds the optional AND-combined recall predicates. Filters
// that do not apply to the recalled kind are ignored.
type RecallFilter struct {
	Tier        Tier       `json:"tier,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	EntityType  string     `json:"entity_type,omitempty"`
	LessonType  string     `json:"lesson_type,omitempty"`
	SummaryType string     `json:"summary_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`

	// unconsolidated restricts lessons to consolidated_to IS NULL. Only the
	// session bundle sets it.
	unconsolidated bool
}

// SearchResult is one ranked full-text hit. Lower Score is more relevant.
type SearchResult struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the bootstrap bundle for an agent's working context.
type Session struct {
	State         State         `json:"state"`
	HotEvents     []Event       `json:"hot_events"`
	Principles    []Principle   `json:"principles"`
	RecentSummary *Summary      `json:"recent_summary"`
	RecentLessons []Lesson      `json:"recent_lessons"`
	Counts        SessionCounts `json:"counts"`
}

// SessionCounts are the lengths of the already-limited session lists.
type SessionCounts struct {
	HotEvents     int `json:"hot_events"`
	Principles    int `json:"principles"`
	RecentLessons int `json:"recent_lessons"`
}

// MemoryStats is a compact per-agent snapshot used by status reporting.
type MemoryStats struct {
	AgentID     string `json:"agent_id"`
	Events      int    `json:"events"`
	HotEvents   int    `json:"hot_events"`
	WarmEvents  int    `json:"warm_events"`
	ColdEvents  int    `json:"cold_events"`
	Entities    int    `json:"entities"`
	Lessons     int    `json:"lessons"`
	OpenLessons int    `json:"open_lessons"`
	Principles  int    `json:"principles"`
	Summaries   int    `json:"summaries"`
	HasState    bool   `json:"has_state"`
}
