package registry

import (
	"context"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/flowforge/flowforge/common/engine"
)

const defaultChatModel = goopenai.GPT4oMini

// openaiHandler runs a chat completion. The API key comes from the
// node's credential when one is attached, otherwise from the
// service-level key.
type openaiHandler struct {
	apiKey  string
	baseURL string
}

func (h *openaiHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "openai",
		DisplayName: "OpenAI",
		Category:    "action",
		Fields: []engine.Field{
			{Name: "prompt", Type: "string", Required: true},
			{Name: "model", Type: "string", Description: "Chat model, defaults to " + defaultChatModel},
			{Name: "system", Type: "string", Description: "System prompt"},
			{Name: "temperature", Type: "number"},
			{Name: "credential", Type: "string", Description: "Credential whose api_key is used"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"success", "error"},
	}
}

func (h *openaiHandler) ValidateConfig(config map[string]any) []string {
	if prompt, _ := config["prompt"].(string); strings.TrimSpace(prompt) == "" {
		return []string{"prompt is required"}
	}
	return nil
}

func (h *openaiHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	prompt, _ := config["prompt"].(string)
	model, _ := config["model"].(string)
	if model == "" {
		model = defaultChatModel
	}

	client, err := h.buildClient(config, ec)
	if err != nil {
		return engine.Fail("error", err.Error()), nil
	}

	messages := []goopenai.ChatCompletionMessage{}
	if system, _ := config["system"].(string); system != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := goopenai.ChatCompletionRequest{Model: model, Messages: messages}
	if temp, ok := config["temperature"].(float64); ok {
		req.Temperature = float32(temp)
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return engine.Fail("error", fmt.Sprintf("chat completion failed: %v", err)), nil
	}
	if len(resp.Choices) == 0 {
		return engine.Fail("error", "chat completion returned no choices"), nil
	}

	return engine.Succeed("success", engine.Items(map[string]any{
		"text":              resp.Choices[0].Message.Content,
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})), nil
}

func (h *openaiHandler) buildClient(config map[string]any, ec *engine.ExecutionContext) (*goopenai.Client, error) {
	apiKey := h.apiKey
	baseURL := h.baseURL

	if credID, _ := config["credential"].(string); credID != "" && ec != nil {
		if payload, ok := ec.Credentials[credID]; ok {
			if key, ok := payload["api_key"].(string); ok && key != "" {
				apiKey = key
			}
			if url, ok := payload["base_url"].(string); ok && url != "" {
				baseURL = url
			}
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no OpenAI API key available; attach a credential or configure the service key")
	}

	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(cfg), nil
}
