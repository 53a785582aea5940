// Package llm calls the upstream chat models and feeds their output into a
// generation session.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"codeagent/internal/config"
	"codeagent/internal/history"
	"codeagent/internal/models"
	"codeagent/internal/session"
)

// Service builds chat models on demand and implements session.Generator.
type Service struct {
	cfg *config.Config

	mu     sync.Mutex
	cached map[runtimeKey]*runtime
}

type runtimeKey struct {
	provider  string
	model     string
	webSearch bool
}

type runtime struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
}

func NewService(cfg *config.Config) *Service {
	return &Service{cfg: cfg, cached: make(map[runtimeKey]*runtime)}
}

// Generate streams one model response for the given history, pushing text
// deltas and tool statuses into emit until done, error, or cancellation.
func (s *Service) Generate(ctx context.Context, hist []*models.Message, opts session.Options, emit session.Emitter) error {
	rt, err := s.runtimeFor(ctx, opts)
	if err != nil {
		return err
	}

	msgs := convertHistory(hist)
	if len(msgs) == 0 {
		return errors.New("empty conversation")
	}

	// Wrapped tools read the emitter back out of ctx to announce
	// themselves before running.
	ctx = withEmitter(ctx, emit)

	var sr *schema.StreamReader[*schema.Message]
	if rt.agent != nil {
		sr, err = rt.agent.Stream(ctx, msgs)
	} else {
		sr, err = rt.chatModel.Stream(ctx, msgs)
	}
	if err != nil {
		return fmt.Errorf("open model stream: %w", err)
	}
	defer sr.Close()

	for {
		chunk, err := sr.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("model stream: %w", err)
		}
		if chunk.Content != "" {
			emit.Text(chunk.Content)
		}
	}
}

func (s *Service) runtimeFor(ctx context.Context, opts session.Options) (*runtime, error) {
	provider, modelName, err := s.resolveModel(opts.Model)
	if err != nil {
		return nil, err
	}
	key := runtimeKey{provider: provider, model: modelName, webSearch: opts.WebSearch}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.cached[key]; ok {
		return rt, nil
	}

	provCfg := s.cfg.Providers[provider]
	var chatModel model.ToolCallingChatModel
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: provCfg.APIKey})
		if err == nil {
			chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
				Client: client,
				Model:  modelName,
				ThinkingConfig: &genai.ThinkingConfig{
					IncludeThoughts: true,
					ThinkingBudget:  nil,
				},
			})
		}
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", provider, err)
	}

	rt := &runtime{chatModel: chatModel}
	if opts.WebSearch {
		tools := initSearchTools(s.cfg)
		if len(tools) > 0 {
			agent, err := react.NewAgent(ctx, &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig: compose.ToolsNodeConfig{
					Tools: tools,
				},
			})
			if err != nil {
				return nil, fmt.Errorf("init react agent: %w", err)
			}
			rt.agent = agent
		} else {
			log.Printf("web search requested but no search provider available")
		}
	}

	s.cached[key] = rt
	return rt, nil
}

// resolveModel maps a requested model name to its configured provider. An
// empty name falls back to the configured default.
func (s *Service) resolveModel(name string) (string, string, error) {
	if name == "" {
		name = s.cfg.BasicConfig.DefaultModel
	}
	var provider string
	switch {
	case strings.HasPrefix(name, "gemini"):
		provider = "gemini"
	case strings.HasPrefix(name, "claude"):
		provider = "claude"
	default:
		provider = "openai"
	}
	provCfg, ok := s.cfg.Providers[provider]
	if !ok {
		return "", "", fmt.Errorf("provider %s not configured", provider)
	}
	if name == "" {
		name = provCfg.Model
	}
	if name == "" {
		return "", "", errors.New("no model configured")
	}
	return provider, name, nil
}

// convertHistory maps stored messages to the model schema. Only messages
// after the last context-reset marker are sent; function-role results are
// internal and never forwarded.
func convertHistory(hist []*models.Message) []*schema.Message {
	start := 0
	for i, msg := range hist {
		if msg.Role == models.RoleSystem && msg.Text() == history.ContextResetText {
			start = i + 1
		}
	}
	hist = hist[start:]

	msgs := make([]*schema.Message, 0, len(hist))
	for _, msg := range hist {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleModel:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			continue
		}
		msgs = append(msgs, toSchemaMessage(role, msg))
	}
	return msgs
}

func toSchemaMessage(role schema.RoleType, msg *models.Message) *schema.Message {
	if !msg.HasMedia() {
		return &schema.Message{Role: role, Content: msg.Text()}
	}
	parts := make([]schema.ChatMessagePart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.Text != "" {
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: p.Text,
			})
		}
		if p.InlineData != nil {
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s",
						p.InlineData.MimeType,
						base64.StdEncoding.EncodeToString(p.InlineData.Data)),
					MIMEType: p.InlineData.MimeType,
				},
			})
		}
	}
	return &schema.Message{Role: role, MultiContent: parts}
}
