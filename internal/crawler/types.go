package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values reported by the job manager.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusStopped   JobStatus = "stopped"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	default:
		return false
	}
}

// JobPriority orders queued jobs.
type JobPriority string

// Priority values accepted at submission.
const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

// Rank returns a sortable value; lower ranks run first.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority (empty means normal).
func (p JobPriority) Valid() bool {
	switch p {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// BitKind is the content type of a learning bit.
type BitKind string

// Learning bit kinds, in classification table order.
const (
	KindConcept         BitKind = "concept"
	KindExample         BitKind = "example"
	KindDefinition      BitKind = "definition"
	KindProcedure       BitKind = "procedure"
	KindWarning         BitKind = "warning"
	KindTip             BitKind = "tip"
	KindReference       BitKind = "reference"
	KindTutorial        BitKind = "tutorial"
	KindComparison      BitKind = "comparison"
	KindTroubleshooting BitKind = "troubleshooting"
)

// Category values produced by the classifier.
const (
	CategoryProgramming  = "programming"
	CategoryAPI          = "api"
	CategoryTutorial     = "tutorial"
	CategoryReference    = "reference"
	CategoryBestPractice = "best-practice"
)

// Complexity is the difficulty tier of a learning bit.
type Complexity string

// Complexity tiers.
const (
	ComplexityBeginner     Complexity = "beginner"
	ComplexityIntermediate Complexity = "intermediate"
	ComplexityAdvanced     Complexity = "advanced"
)

// RelationshipKind describes a cross-reference edge.
type RelationshipKind string

// Relationship kinds.
const (
	RelationSimilar      RelationshipKind = "similar"
	RelationRelated      RelationshipKind = "related"
	RelationPrerequisite RelationshipKind = "prerequisite"
)

// Link is an outbound anchor discovered on a page.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// CrawledPage is the extracted form of one fetched page. Pages are upserted by URL.
type CrawledPage struct {
	ID           int64         `json:"id"`
	URL          string        `json:"url"`
	Domain       string        `json:"domain"`
	Path         string        `json:"path"`
	Title        string        `json:"title"`
	Text         string        `json:"text"`
	RawHTML      string        `json:"-"`
	StatusCode   int           `json:"status_code"`
	Latency      time.Duration `json:"latency"`
	Depth        int           `json:"depth"`
	ParentURL    string        `json:"parent_url,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at"`
	UsedHeadless bool          `json:"used_headless"`
	BlobURI      string        `json:"blob_uri,omitempty"`
	Links        []Link        `json:"-"`
}

// LearningBit is a classified content fragment identified by its fingerprint.
type LearningBit struct {
	ID             int64      `json:"id"`
	Fingerprint    string     `json:"fingerprint"`
	Kind           BitKind    `json:"kind"`
	Category       string     `json:"category"`
	Subcategory    string     `json:"subcategory,omitempty"`
	Content        string     `json:"content"`
	Context        string     `json:"context,omitempty"`
	Importance     float64    `json:"importance"`
	Confidence     float64    `json:"confidence"`
	Complexity     Complexity `json:"complexity"`
	SourceURL      string     `json:"source_url"`
	Domain         string     `json:"domain"`
	Tags           []string   `json:"tags"`
	ReferenceCount int        `json:"reference_count"`
	AccessCount    int        `json:"access_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CrossReference is a directed view of a symmetric edge between two bits.
type CrossReference struct {
	SourceID int64            `json:"source_id"`
	TargetID int64            `json:"target_id"`
	Kind     RelationshipKind `json:"kind"`
	Strength float64          `json:"strength"`
}

// Reverse returns the same edge pointing the other way.
func (r CrossReference) Reverse() CrossReference {
	return CrossReference{SourceID: r.TargetID, TargetID: r.SourceID, Kind: r.Kind, Strength: r.Strength}
}

// BitQuery filters learning bits. Zero values disable a filter.
type BitQuery struct {
	Category      string
	Kind          BitKind
	ExcludeKind   BitKind
	Subcategory   string
	Complexity    Complexity
	Domain        string
	MinImportance float64
	ExcludeID     int64
	Limit         int
}

// JobProgress tracks counters for a running or finished job.
type JobProgress struct {
	PagesFetched    int `json:"pages_fetched"`
	PagesFailed     int `json:"pages_failed"`
	PagesSkipped    int `json:"pages_skipped"`
	BitsExtracted   int `json:"bits_extracted"`
	DuplicateBits   int `json:"duplicate_bits"`
	CrossReferences int `json:"cross_references"`
	FailedChunks    int `json:"failed_chunks"`
	Retries         int `json:"retries"`
}

// CrawlJob is a snapshot of a job owned by the job manager.
type CrawlJob struct {
	ID          string      `json:"id"`
	SeedURL     string      `json:"seed_url"`
	Config      CrawlConfig `json:"config"`
	Priority    JobPriority `json:"priority"`
	Status      JobStatus   `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	Progress    JobProgress `json:"progress"`
	LastError   string      `json:"last_error,omitempty"`
	Attempts    int         `json:"attempts"`
}

// FetchRequest captures everything needed to fetch a URL. The content
// bounds only apply to PageFetcher implementations; zero disables them.
type FetchRequest struct {
	URL              string
	Depth            int
	ParentURL        string
	Timeout          time.Duration
	RespectRobots    bool
	Headers          http.Header
	MinContentLength int
	MaxContentLength int
}

// FetchResponse is the raw result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
