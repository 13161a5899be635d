package autopilot

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GlobalConversationID keys the user's fallback config.
const GlobalConversationID = ""

// Message types accepted for autopilot replies.
const (
	MessageTypeSMS      = "SMS"
	MessageTypeEmail    = "Email"
	MessageTypeWhatsApp = "WhatsApp"
	MessageTypeGMB      = "GMB"
	MessageTypeIG       = "IG"
	MessageTypeFB       = "FB"
	MessageTypeLiveChat = "Live_Chat"
)

var messageTypes = []string{
	MessageTypeSMS, MessageTypeEmail, MessageTypeWhatsApp, MessageTypeGMB,
	MessageTypeIG, MessageTypeFB, MessageTypeLiveChat,
}

// Sync job states.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

// OperatingHours is the window during which autopilot may reply.
type OperatingHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
	Days     []int  `json:"days"`
}

// DefaultOperatingHours is 09:00-17:00 UTC on weekdays, switched off.
func DefaultOperatingHours() OperatingHours {
	return OperatingHours{Start: "09:00", End: "17:00", Timezone: "UTC", Days: []int{1, 2, 3, 4, 5}}
}

// Config is the automation record of one conversation, or the user's global
// fallback when ConversationID is empty.
type Config struct {
	ID                        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID                    string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_autopilot_configs_owner,priority:1" json:"userId"`
	ConversationID            string         `gorm:"type:varchar(128);not null;default:'';uniqueIndex:idx_autopilot_configs_owner,priority:2" json:"conversationId"`
	LocationID                string         `gorm:"type:varchar(64)" json:"locationId"`
	IsEnabled                 bool           `gorm:"not null" json:"isEnabled"`
	ReplyDelaySeconds         int            `gorm:"not null" json:"replyDelaySeconds"`
	MaxRepliesPerDay          int            `gorm:"not null" json:"maxRepliesPerDay"`
	MaxRepliesPerConversation int            `gorm:"not null" json:"maxRepliesPerConversation"`
	OperatingHours            datatypes.JSON `gorm:"type:json" json:"operatingHours"`
	AgentID                   *string        `gorm:"type:varchar(36)" json:"agentId"`
	AIModel                   string         `gorm:"type:varchar(64)" json:"aiModel"`
	AITemperature             *float64       `json:"aiTemperature"`
	FallbackMessage           string         `gorm:"type:text" json:"fallbackMessage"`
	CustomPrompt              string         `gorm:"type:text" json:"customPrompt"`
	IncludeKeywords           datatypes.JSON `gorm:"type:json" json:"includeKeywords"`
	ExcludeKeywords           datatypes.JSON `gorm:"type:json" json:"excludeKeywords"`
	MessageType               string         `gorm:"type:varchar(16);not null" json:"messageType"`
	ConversationContext       datatypes.JSON `gorm:"type:json" json:"conversationContext"`
	ContactContext            datatypes.JSON `gorm:"type:json" json:"contactContext"`
	Metadata                  datatypes.JSON `gorm:"type:json" json:"metadata"`
	CreatedAt                 time.Time      `json:"createdAt"`
	UpdatedAt                 time.Time      `json:"updatedAt"`
}

func (Config) TableName() string {
	return "autopilot_configs"
}

func (c *Config) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Hours decodes the stored operating hours, falling back to the defaults.
func (c *Config) Hours() OperatingHours {
	hours := DefaultOperatingHours()
	if c == nil || len(c.OperatingHours) == 0 {
		return hours
	}
	_ = json.Unmarshal(c.OperatingHours, &hours)
	return hours
}

// Tracking holds the per-conversation reply counters.
type Tracking struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_autopilot_tracking_owner,priority:1" json:"userId"`
	ConversationID string     `gorm:"type:varchar(128);not null;uniqueIndex:idx_autopilot_tracking_owner,priority:2" json:"conversationId"`
	ConfigID       string     `gorm:"type:varchar(36)" json:"configId"`
	LocationID     string     `gorm:"type:varchar(64)" json:"locationId"`
	IsEnabled      bool       `gorm:"not null" json:"isEnabled"`
	RepliesToday   int        `gorm:"not null" json:"repliesToday"`
	TotalReplies   int        `gorm:"not null" json:"totalReplies"`
	LastReplyDate  *time.Time `json:"lastReplyDate"`
	LastSyncedAt   time.Time  `json:"lastSyncedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (Tracking) TableName() string {
	return "autopilot_conversation_tracking"
}

func (t *Tracking) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Analytics is one day of autopilot counters for a user and location.
type Analytics struct {
	ID                   string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID               string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_autopilot_analytics_day,priority:1" json:"userId"`
	Date                 string    `gorm:"type:varchar(10);not null;uniqueIndex:idx_autopilot_analytics_day,priority:2" json:"date"`
	LocationID           string    `gorm:"type:varchar(64);not null;default:'';uniqueIndex:idx_autopilot_analytics_day,priority:3" json:"locationId"`
	MessagesReceived     int       `gorm:"not null" json:"messagesReceived"`
	RepliesSent          int       `gorm:"not null" json:"repliesSent"`
	RepliesFailed        int       `gorm:"not null" json:"repliesFailed"`
	ConversationsHandled int       `gorm:"not null" json:"conversationsHandled"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func (Analytics) TableName() string {
	return "autopilot_analytics"
}

func (a *Analytics) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// SyncJob is an outbox row describing the secondary writes owed after a
// config change.
type SyncJob struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         string    `gorm:"type:varchar(64);not null;index" json:"userId"`
	ConversationID string    `gorm:"type:varchar(128);not null" json:"conversationId"`
	LocationID     string    `gorm:"type:varchar(64)" json:"locationId"`
	ConfigID       string    `gorm:"type:varchar(36)" json:"configId"`
	Enabled        bool      `gorm:"not null" json:"enabled"`
	FirstEnable    bool      `gorm:"not null" json:"firstEnable"`
	Status         string    `gorm:"type:varchar(16);not null;index:idx_autopilot_sync_jobs_pending,priority:1" json:"status"`
	Attempts       int       `gorm:"not null" json:"attempts"`
	LastError      string    `gorm:"type:text" json:"lastError"`
	CreatedAt      time.Time `gorm:"index:idx_autopilot_sync_jobs_pending,priority:2" json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (SyncJob) TableName() string {
	return "autopilot_sync_jobs"
}

func (j *SyncJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates the autopilot tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Config{}, &Tracking{}, &Analytics{}, &SyncJob{})
}

// NormalizeMessageType maps value onto the accepted set, case-insensitively.
// Unknown values become SMS.
func NormalizeMessageType(value string) string {
	trimmed := strings.TrimSpace(value)
	for _, candidate := range messageTypes {
		if strings.EqualFold(candidate, trimmed) {
			return candidate
		}
	}
	return MessageTypeSMS
}

func stringsToJSON(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

