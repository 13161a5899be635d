package settings

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScopeGlobal is the only scope stored in ai_settings today.
const ScopeGlobal = "global"

// Feature names with a per-feature agent override.
const (
	FeatureQuery       = "query"
	FeatureSuggestions = "suggestions"
	FeatureAutopilot   = "autopilot"
	FeatureResponse    = "response"
)

// GlobalSettings holds a user's default agent and per-feature overrides.
type GlobalSettings struct {
	ID                 string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID             string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_ai_settings_user_scope,priority:1" json:"user_id"`
	Scope              string    `gorm:"type:varchar(16);not null;uniqueIndex:idx_ai_settings_user_scope,priority:2" json:"scope"`
	DefaultAgentID     *string   `gorm:"type:varchar(36)" json:"default_agent_id"`
	QueryAgentID       *string   `gorm:"type:varchar(36)" json:"query_agent_id"`
	SuggestionsAgentID *string   `gorm:"type:varchar(36)" json:"suggestions_agent_id"`
	AutopilotAgentID   *string   `gorm:"type:varchar(36)" json:"autopilot_agent_id"`
	ResponseAgentID    *string   `gorm:"type:varchar(36)" json:"response_agent_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (GlobalSettings) TableName() string {
	return "ai_settings"
}

func (s *GlobalSettings) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// DefaultAgent returns the configured default agent id or "".
func (s *GlobalSettings) DefaultAgent() string {
	if s == nil {
		return ""
	}
	return deref(s.DefaultAgentID)
}

// FeatureAgent returns the per-feature override for feature or "".
func (s *GlobalSettings) FeatureAgent(feature string) string {
	if s == nil {
		return ""
	}
	return featureAgent(feature, s.QueryAgentID, s.SuggestionsAgentID, s.AutopilotAgentID, s.ResponseAgentID)
}

// ConversationSettings overrides global settings for one CRM conversation.
type ConversationSettings struct {
	ID                 string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID     string         `gorm:"type:varchar(128);not null;uniqueIndex" json:"conversation_id"`
	UserID             string         `gorm:"type:varchar(64);not null;index" json:"user_id"`
	LocationID         string         `gorm:"type:varchar(64)" json:"location_id"`
	QueryAgentID       *string        `gorm:"type:varchar(36)" json:"query_agent_id"`
	SuggestionsAgentID *string        `gorm:"type:varchar(36)" json:"suggestions_agent_id"`
	AutopilotAgentID   *string        `gorm:"type:varchar(36)" json:"autopilot_agent_id"`
	ResponseAgentID    *string        `gorm:"type:varchar(36)" json:"response_agent_id"`
	KnowledgeBaseIDs   datatypes.JSON `gorm:"type:json" json:"knowledge_base_ids"`
	Metadata           datatypes.JSON `gorm:"type:json" json:"metadata"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (ConversationSettings) TableName() string {
	return "conversation_meta_data"
}

func (s *ConversationSettings) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// FeatureAgent returns the conversation override for feature or "".
func (s *ConversationSettings) FeatureAgent(feature string) string {
	if s == nil {
		return ""
	}
	return featureAgent(feature, s.QueryAgentID, s.SuggestionsAgentID, s.AutopilotAgentID, s.ResponseAgentID)
}

// ExtraKnowledgeBases returns the conversation's additional knowledge bases.
func (s *ConversationSettings) ExtraKnowledgeBases() []string {
	if s == nil {
		return nil
	}
	return stringsFromJSON(s.KnowledgeBaseIDs)
}

// AutopilotEnabled reads the mirrored autopilot.enabled flag.
func (s *ConversationSettings) AutopilotEnabled() bool {
	if s == nil {
		return false
	}
	meta := decodeMetadata(s.Metadata)
	section, _ := meta["autopilot"].(map[string]any)
	enabled, _ := section["enabled"].(bool)
	return enabled
}

// Preferences are user-level inference preferences sent with every request.
type Preferences struct {
	ID               string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID           string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"user_id"`
	SystemPrompt     string    `gorm:"type:text" json:"system_prompt"`
	ResponseLanguage string    `gorm:"type:varchar(16)" json:"response_language"`
	SuggestionCount  int       `gorm:"not null" json:"suggestion_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Preferences) TableName() string {
	return "ai_global_settings"
}

func (p *Preferences) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates the settings tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&GlobalSettings{}, &ConversationSettings{}, &Preferences{})
}

func featureAgent(feature string, query, suggestions, autopilot, response *string) string {
	switch strings.ToLower(strings.TrimSpace(feature)) {
	case FeatureQuery:
		return deref(query)
	case FeatureSuggestions:
		return deref(suggestions)
	case FeatureAutopilot:
		return deref(autopilot)
	case FeatureResponse:
		return deref(response)
	default:
		return ""
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func decodeMetadata(raw datatypes.JSON) map[string]any {
	meta := map[string]any{}
	if len(raw) == 0 {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta == nil {
		return map[string]any{}
	}
	return meta
}

func stringsFromJSON(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func stringsToJSON(values []string) datatypes.JSON {
	if len(values) == 0 {
		return datatypes.JSON([]byte("[]"))
	}
	data, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(data)
}
