package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the lifecycle state shared by the record and its nutrition sub-record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition of the field is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type SourceKind string

const (
	SourceURL   SourceKind = "url"
	SourceText  SourceKind = "text"
	SourcePhoto SourceKind = "photo"
)

// Source is the original user input the record was created from.
type Source struct {
	Kind     SourceKind `gorm:"size:16" json:"kind"`
	URL      string     `gorm:"type:text" json:"url,omitempty"`
	Text     string     `gorm:"type:text" json:"text,omitempty"`
	PhotoURL string     `gorm:"type:text" json:"photo_url,omitempty"`
}

// OriginalURL returns the page the recipe came from, if it came from a page.
func (s Source) OriginalURL() string {
	if s.Kind == SourceURL {
		return s.URL
	}
	return ""
}

func (s Source) Validate() error {
	switch s.Kind {
	case SourceURL:
		if s.URL == "" {
			return fmt.Errorf("url source requires a url")
		}
	case SourceText:
		if s.Text == "" {
			return fmt.Errorf("text source requires text")
		}
	case SourcePhoto:
		if s.PhotoURL == "" {
			return fmt.Errorf("photo source requires a photo url")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

// Ingredient is one line of the ingredient list. StepIndices point into
// StructuredContent.Instructions.
type Ingredient struct {
	Name        string `json:"name"`
	Quantity    string `json:"quantity"`
	Unit        string `json:"unit"`
	StepIndices []int  `json:"step_indices,omitempty"`
}

// StructuredContent is what the extraction stage produces.
type StructuredContent struct {
	Title        string       `json:"title"`
	Ingredients  []Ingredient `json:"ingredients"`
	Instructions []string     `json:"instructions"`
	PrepTime     string       `json:"prep_time"`
	CookTime     string       `json:"cook_time"`
	Servings     int          `json:"servings"`
}

// Value implements the driver.Valuer interface
func (c StructuredContent) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (c *StructuredContent) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*c = StructuredContent{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported structured content type %T", value)
	}
}

// NutritionalInformation is owned by the nutrition stage. Values are
// per-serving amounts with their unit, e.g. "350 kcal" or "12 g".
type NutritionalInformation struct {
	Status   Status `gorm:"size:16;not null;default:PENDING" json:"status"`
	Calories string `gorm:"size:32" json:"calories,omitempty"`
	Fat      string `gorm:"size:32" json:"fat,omitempty"`
	Carbs    string `gorm:"size:32" json:"carbs,omitempty"`
	Protein  string `gorm:"size:32" json:"protein,omitempty"`
}

// JSONBStringArray is a custom type for handling string arrays in JSONB
type JSONBStringArray []string

// Value implements the driver.Valuer interface
func (a JSONBStringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (a *JSONBStringArray) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*a = JSONBStringArray{}
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported string array type %T", value)
	}
	return json.Unmarshal(bytes, a)
}

func (a JSONBStringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// Recipe is the single document every pipeline stage reads and patches.
type Recipe struct {
	ID                string                 `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	Status            Status                 `gorm:"size:16;not null;default:PENDING;index" json:"status"`
	StructuredContent *StructuredContent     `gorm:"type:jsonb" json:"structured_content"`
	Nutrition         NutritionalInformation `gorm:"embedded;embeddedPrefix:nutrition_" json:"nutritional_information"`
	ImageURL          string                 `gorm:"type:text" json:"image_url,omitempty"`
	Source            Source                 `gorm:"embedded;embeddedPrefix:source_" json:"source"`
	Owners            JSONBStringArray       `gorm:"type:jsonb;not null;default:'[]'" json:"owners"`
	CreatedBy         string                 `gorm:"size:255;not null" json:"created_by"`
}

func (Recipe) TableName() string {
	return "recipes"
}

// BeforeCreate assigns the opaque id.
func (r *Recipe) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// OwnedBy reports whether identity may mutate the record.
func (r *Recipe) OwnedBy(identity string) bool {
	return identity != "" && r.Owners.Contains(identity)
}

// HasContent reports whether extraction has written structured content.
// A NULL column may scan into an empty struct, so an untitled value counts
// as absent.
func (r *Recipe) HasContent() bool {
	return r.StructuredContent != nil && r.StructuredContent.Title != ""
}

// Progress is the client-facing summary of where a record is.
type Progress string

const (
	ProgressProcessing        Progress = "processing"
	ProgressPartiallyEnriched Progress = "partially_enriched"
	ProgressComplete          Progress = "complete"
	ProgressFailed            Progress = "failed"
)

// Progress derives the display state. A SUCCESS record counts as complete once
// nutrition has settled; a missing image never holds completion back.
func (r *Recipe) Progress() Progress {
	switch r.Status {
	case StatusFailed:
		return ProgressFailed
	case StatusSuccess:
		if r.Nutrition.Status == StatusPending {
			return ProgressPartiallyEnriched
		}
		return ProgressComplete
	default:
		return ProgressProcessing
	}
}
