package knowledge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Knowledge-base lifecycle states.
const (
	StatusDraft    = "draft"
	StatusTraining = "training"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

type KnowledgeBase struct {
	ID            string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID        string         `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Name          string         `gorm:"size:200;not null" json:"name"`
	Description   *string        `gorm:"size:1000" json:"description,omitempty"`
	Status        string         `gorm:"size:16;not null" json:"status"`
	Files         datatypes.JSON `gorm:"type:json" json:"-"`
	FAQs          datatypes.JSON `gorm:"column:faqs;type:json" json:"-"`
	WebSources    datatypes.JSON `gorm:"type:json" json:"-"`
	TrainingError *string        `gorm:"type:text" json:"training_error,omitempty"`
	LastTrainedAt *time.Time     `json:"last_trained_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

func (k *KnowledgeBase) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(k.ID) == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

// FileRef points at a document stored in object storage.
type FileRef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Record is the API view of a knowledge base with its JSON columns decoded.
type Record struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	Description   *string    `json:"description,omitempty"`
	Status        string     `json:"status"`
	Files         []FileRef  `json:"files"`
	FAQs          []FAQ      `json:"faqs"`
	WebSources    []string   `json:"web_sources"`
	TrainingError *string    `json:"training_error,omitempty"`
	LastTrainedAt *time.Time `json:"last_trained_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AutoMigrate creates the knowledge_bases table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&KnowledgeBase{})
}

func buildRecord(kb KnowledgeBase) Record {
	return Record{
		ID:            kb.ID,
		UserID:        kb.UserID,
		Name:          kb.Name,
		Description:   kb.Description,
		Status:        kb.Status,
		Files:         parseFiles(kb.Files),
		FAQs:          parseFAQs(kb.FAQs),
		WebSources:    parseStrings(kb.WebSources),
		TrainingError: kb.TrainingError,
		LastTrainedAt: kb.LastTrainedAt,
		CreatedAt:     kb.CreatedAt,
		UpdatedAt:     kb.UpdatedAt,
	}
}

func toJSON(value any, empty string) datatypes.JSON {
	raw, err := json.Marshal(value)
	if err != nil || string(raw) == "null" {
		return datatypes.JSON(empty)
	}
	return datatypes.JSON(raw)
}

func parseFiles(raw datatypes.JSON) []FileRef {
	files := []FileRef{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &files)
	}
	if files == nil {
		files = []FileRef{}
	}
	return files
}

func parseFAQs(raw datatypes.JSON) []FAQ {
	faqs := []FAQ{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &faqs)
	}
	if faqs == nil {
		faqs = []FAQ{}
	}
	return faqs
}

func parseStrings(raw datatypes.JSON) []string {
	values := []string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &values)
	}
	if values == nil {
		values = []string{}
	}
	return values
}
