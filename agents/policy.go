package agents

import "strings"

// Feature 是需要选择智能体的功能。
type Feature string

const (
	FeatureQuery       Feature = "query"
	FeatureSuggestions Feature = "suggestions"
	FeatureAutopilot   Feature = "autopilot"
	FeatureResponse    Feature = "response"
)

// ParseFeature 解析功能名称，大小写不敏感。
func ParseFeature(raw string) (Feature, bool) {
	switch Feature(strings.ToLower(strings.TrimSpace(raw))) {
	case FeatureQuery:
		return FeatureQuery, true
	case FeatureSuggestions:
		return FeatureSuggestions, true
	case FeatureAutopilot:
		return FeatureAutopilot, true
	case FeatureResponse:
		return FeatureResponse, true
	default:
		return "", false
	}
}

// Tier 标记选中的智能体来自哪一层配置。
type Tier string

const (
	TierConversation  Tier = "conversation"
	TierGlobalFeature Tier = "global_feature"
	TierGlobalDefault Tier = "global_default"
	TierFirstActive   Tier = "first_active"
	TierNone          Tier = "none"
)

// Selection 是选择策略的全部输入，调用方负责读取数据。
type Selection struct {
	Feature Feature
	// ConversationOverride 是会话级别针对该功能的覆盖。
	ConversationOverride string
	// FeatureOverride 是全局设置中针对该功能的覆盖。
	FeatureOverride string
	GlobalDefault   string
	// ActiveAgentIDs 按 created_at、id 升序排列。
	ActiveAgentIDs        []string
	AllowImplicitFallback bool
}

// Result 是选择结果。AgentID 为空表示没有可用的智能体。
type Result struct {
	AgentID string `json:"agentId"`
	Tier    Tier   `json:"tier"`
}

// Found 判断是否选中了智能体。
func (r Result) Found() bool {
	return r.AgentID != ""
}

// Select 按会话覆盖、全局功能覆盖、全局默认、首个激活智能体的顺序选择。
// 指向已删除或未激活智能体的覆盖视为不存在。
func Select(s Selection) Result {
	active := make(map[string]struct{}, len(s.ActiveAgentIDs))
	for _, id := range s.ActiveAgentIDs {
		active[id] = struct{}{}
	}
	isActive := func(id string) bool {
		id = strings.TrimSpace(id)
		if id == "" {
			return false
		}
		_, ok := active[id]
		return ok
	}

	switch {
	case isActive(s.ConversationOverride):
		return Result{AgentID: strings.TrimSpace(s.ConversationOverride), Tier: TierConversation}
	case isActive(s.FeatureOverride):
		return Result{AgentID: strings.TrimSpace(s.FeatureOverride), Tier: TierGlobalFeature}
	case isActive(s.GlobalDefault):
		return Result{AgentID: strings.TrimSpace(s.GlobalDefault), Tier: TierGlobalDefault}
	case s.AllowImplicitFallback && len(s.ActiveAgentIDs) > 0:
		return Result{AgentID: s.ActiveAgentIDs[0], Tier: TierFirstActive}
	default:
		return Result{Tier: TierNone}
	}
}
