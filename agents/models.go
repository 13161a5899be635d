package agents

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 智能体类型。
const (
	TypeGeneric     = "generic"
	TypeQuery       = "query"
	TypeSuggestions = "suggestions"
	TypeAutopilot   = "autopilot"
	TypeCustom      = "custom"
)

// Agent 表示用户创建的 AI 智能体。
type Agent struct {
	ID               string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID           string         `gorm:"type:varchar(64);not null;index:idx_ai_agents_user_active,priority:1" json:"user_id"`
	Type             string         `gorm:"type:varchar(32);not null" json:"type"`
	Name             string         `gorm:"size:100;not null" json:"name"`
	Description      *string        `gorm:"type:text" json:"description,omitempty"`
	IsActive         bool           `gorm:"not null;index:idx_ai_agents_user_active,priority:2" json:"is_active"`
	Configuration    datatypes.JSON `gorm:"type:json" json:"configuration"`
	KnowledgeBaseIDs datatypes.JSON `gorm:"type:json" json:"knowledge_base_ids"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName 指定 Agent 模型对应的数据库表名。
func (Agent) TableName() string {
	return "ai_agents"
}

// BeforeCreate 为新智能体生成 uuid 主键。
func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Configuration 是智能体的推理参数。
type Configuration struct {
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// Config 解析智能体的配置，解析失败时返回空配置。
func (a *Agent) Config() Configuration {
	var cfg Configuration
	if a == nil || len(a.Configuration) == 0 {
		return cfg
	}
	_ = json.Unmarshal(a.Configuration, &cfg)
	return cfg
}

// KnowledgeBases 返回智能体关联的知识库 id。
func (a *Agent) KnowledgeBases() []string {
	if a == nil {
		return nil
	}
	return stringsFromJSON(a.KnowledgeBaseIDs)
}

// AutoMigrate 创建智能体表。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Agent{})
}

// validType 判断智能体类型是否受支持。
func validType(value string) bool {
	switch value {
	case TypeGeneric, TypeQuery, TypeSuggestions, TypeAutopilot, TypeCustom:
		return true
	default:
		return false
	}
}

// exclusiveType 判断该类型是否同一时间只允许一个激活的智能体。
func exclusiveType(value string) bool {
	return value != TypeGeneric
}

func configurationToJSON(cfg Configuration) datatypes.JSON {
	data, err := json.Marshal(cfg)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(data)
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
