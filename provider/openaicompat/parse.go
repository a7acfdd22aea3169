package openaicompat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cireilclaw/cireilclaw"
)

// ParseResponse converts a wire response into the domain form. Only the
// first choice is used. Tool-call arguments that are not valid JSON fail
// the whole response: the engine cannot dispatch what it cannot decode.
func ParseResponse(resp ChatResponse, provider string) (cireilclaw.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return cireilclaw.ChatResponse{}, &cireilclaw.ErrProvider{Provider: provider, Message: "response has no choices"}
	}
	choice := resp.Choices[0]
	if choice.Message == nil {
		return cireilclaw.ChatResponse{}, &cireilclaw.ErrProvider{Provider: provider, Message: "choice has no message"}
	}

	msg := cireilclaw.Message{Role: cireilclaw.RoleAssistant}
	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, cireilclaw.TextContent(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return cireilclaw.ChatResponse{}, &cireilclaw.ErrProvider{
				Provider: provider,
				Message:  fmt.Sprintf("tool call %q has malformed arguments", tc.Function.Name),
			}
		}
		msg.Content = append(msg.Content, cireilclaw.ToolCallContent(tc.ID, tc.Function.Name, json.RawMessage(args)))
	}

	out := cireilclaw.ChatResponse{Message: msg, FinishReason: choice.FinishReason}
	if resp.Usage != nil {
		out.Usage = cireilclaw.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}
