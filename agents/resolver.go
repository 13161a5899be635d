package agents

import (
	"context"
	"strings"

	"vox_back/envelope"
	"vox_back/metrics"
	"vox_back/settings"

	"github.com/google/uuid"
)

// NoActiveAgentsMessage 是用户没有任何激活智能体时返回的提示。
const NoActiveAgentsMessage = "No active AI agents found. Please create an AI agent first."

const noDefaultAgentMessage = "No default AI agent configured. Choose a default agent in AI settings."

// Resolver 读取智能体与设置，并调用选择策略。
type Resolver struct {
	agents        *Store
	settings      *settings.Store
	allowFallback bool
}

// NewResolver 创建解析器。allowImplicitFallback 为 false 时不会回退到首个激活智能体。
func NewResolver(agents *Store, settingsStore *settings.Store, allowImplicitFallback bool) *Resolver {
	return &Resolver{agents: agents, settings: settingsStore, allowFallback: allowImplicitFallback}
}

// Resolution 是解析结果及其上下文。
type Resolution struct {
	Result
	Agent        *Agent
	Conversation *settings.ConversationSettings
}

// Resolve 为功能与会话选择智能体。
func (r *Resolver) Resolve(ctx context.Context, userID string, feature Feature, conversationID string) (*Resolution, error) {
	active, err := r.agents.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		metrics.AgentSelections.WithLabelValues(string(feature), string(TierNone)).Inc()
		return nil, envelope.NotFound(NoActiveAgentsMessage)
	}

	global, err := r.settings.GetGlobal(ctx, userID)
	if err != nil {
		return nil, err
	}

	var conversation *settings.ConversationSettings
	if strings.TrimSpace(conversationID) != "" {
		conversation, err = r.settings.GetConversation(ctx, userID, conversationID)
		if err != nil {
			return nil, err
		}
	}

	result := Select(Selection{
		Feature:               feature,
		ConversationOverride:  conversation.FeatureAgent(string(feature)),
		FeatureOverride:       global.FeatureAgent(string(feature)),
		GlobalDefault:         global.DefaultAgent(),
		ActiveAgentIDs:        agentIDs(active),
		AllowImplicitFallback: r.allowFallback,
	})
	return r.finish(feature, result, active, conversation)
}

// ResolveGlobal 使用全局层规则：显式指定、全局默认、首个激活智能体。
// 显式指定的智能体已删除、未激活或不属于用户时按不存在处理。
func (r *Resolver) ResolveGlobal(ctx context.Context, userID, explicitAgentID string) (*Resolution, error) {
	explicitAgentID = strings.TrimSpace(explicitAgentID)
	if explicitAgentID != "" {
		if _, err := uuid.Parse(explicitAgentID); err != nil {
			return nil, envelope.Validationf("invalid agent id %q", explicitAgentID)
		}
	}

	active, err := r.agents.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		metrics.AgentSelections.WithLabelValues(string(FeatureAutopilot), string(TierNone)).Inc()
		return nil, envelope.NotFound(NoActiveAgentsMessage)
	}

	global, err := r.settings.GetGlobal(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := Select(Selection{
		Feature:               FeatureAutopilot,
		ConversationOverride:  explicitAgentID,
		GlobalDefault:         global.DefaultAgent(),
		ActiveAgentIDs:        agentIDs(active),
		AllowImplicitFallback: r.allowFallback,
	})
	return r.finish(FeatureAutopilot, result, active, nil)
}

func (r *Resolver) finish(feature Feature, result Result, active []Agent, conversation *settings.ConversationSettings) (*Resolution, error) {
	metrics.AgentSelections.WithLabelValues(string(feature), string(result.Tier)).Inc()
	if !result.Found() {
		return nil, envelope.Validation(noDefaultAgentMessage)
	}
	for i := range active {
		if active[i].ID == result.AgentID {
			return &Resolution{Result: result, Agent: &active[i], Conversation: conversation}, nil
		}
	}
	return nil, envelope.NotFound("agent not found")
}

func agentIDs(agents []Agent) []string {
	ids := make([]string, 0, len(agents))
	for _, agent := range agents {
		ids = append(ids, agent.ID)
	}
	return ids
}
