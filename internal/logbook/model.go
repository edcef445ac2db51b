package logbook

import (
	"strings"
	"time"
)

// Collection holds one document per logbook entry.
const Collection = "research_logbooks"

// Category is the closed set of activity kinds.
type Category string

const (
	CategoryDesign          Category = "design"
	CategoryFabrication     Category = "fabrication"
	CategoryAssembly        Category = "assembly"
	CategoryProgramming     Category = "programming"
	CategoryTesting         Category = "testing"
	CategoryDebugging       Category = "debugging"
	CategoryDocumentation   Category = "documentation"
	CategoryMeeting         Category = "meeting"
	CategoryTraining        Category = "training"
	CategoryCompetitionPrep Category = "competition_prep"
	CategoryOther           Category = "other"
)

var categories = map[Category]struct{}{
	CategoryDesign:          {},
	CategoryFabrication:     {},
	CategoryAssembly:        {},
	CategoryProgramming:     {},
	CategoryTesting:         {},
	CategoryDebugging:       {},
	CategoryDocumentation:   {},
	CategoryMeeting:         {},
	CategoryTraining:        {},
	CategoryCompetitionPrep: {},
	CategoryOther:           {},
}

// ParseCategory validates a raw category.
func ParseCategory(raw string) (Category, bool) {
	category := Category(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := categories[category]
	return category, ok
}

// Status is the review state of an entry.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusSubmitted     Status = "submitted"
	StatusNeedsRevision Status = "needs_revision"
	StatusApproved      Status = "approved"
)

// Editable reports whether the author may still change content fields.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusNeedsRevision
}

// Attachment is an uploaded file referenced by URL.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType,omitempty"`
	UploadedBy  string    `json:"uploadedBy"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Comment is a reviewer or author remark.
type Comment struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Logbook is one reported research activity.
type Logbook struct {
	ID            string       `json:"id"`
	Team          string       `json:"team"`
	AuthorID      string       `json:"authorId"`
	AuthorName    string       `json:"authorName,omitempty"`
	ActivityDate  string       `json:"activityDate"`
	Title         string       `json:"title"`
	Category      Category     `json:"category"`
	Description   string       `json:"description"`
	Achievements  string       `json:"achievements,omitempty"`
	Challenges    string       `json:"challenges,omitempty"`
	NextPlan      string       `json:"nextPlan,omitempty"`
	DurationHours float64      `json:"durationHours,omitempty"`
	Status        Status       `json:"status"`
	Attachments   []Attachment `json:"attachments"`
	Comments      []Comment    `json:"comments"`
	ReviewedBy    string       `json:"reviewedBy,omitempty"`
	ReviewedAt    *time.Time   `json:"reviewedAt,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	// UpdatedAt mirrors the store's commit time and is the baseline for conflict detection.
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy string     `json:"deletedBy,omitempty"`
}
