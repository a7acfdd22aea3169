package openaicompat

import (
	"encoding/base64"
	"fmt"

	"github.com/cireilclaw/cireilclaw"
)

// BuildBody converts a provider-agnostic request into the OpenAI chat
// completions body. The system prompt becomes the leading system message.
func BuildBody(req cireilclaw.ChatRequest, model string) ChatRequest {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m)...)
	}

	body := ChatRequest{
		Model:      model,
		Messages:   messages,
		ToolChoice: req.ToolChoice,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

// convertMessage maps one history message to its wire form. ToolResponse
// messages fan out to one role-"tool" message per response part, as the wire
// format pairs each result with a single tool_call_id.
func convertMessage(m cireilclaw.Message) []Message {
	switch m.Role {
	case cireilclaw.RoleSystem:
		return []Message{{Role: "system", Content: m.Text()}}

	case cireilclaw.RoleUser:
		blocks := make([]ContentBlock, 0, len(m.Content))
		for _, c := range m.Content {
			switch c.Type {
			case cireilclaw.ContentText:
				blocks = append(blocks, ContentBlock{Type: "text", Text: c.Content})
			case cireilclaw.ContentImage:
				blocks = append(blocks, ContentBlock{
					Type:     "image_url",
					ImageURL: &ImageURL{URL: dataURL(c.MediaType, c.Data)},
				})
			case cireilclaw.ContentImageRef:
				// Refs are rehydrated before a turn; a leftover ref means the
				// blob is gone, so the model sees a placeholder.
				blocks = append(blocks, ContentBlock{Type: "text", Text: fmt.Sprintf("[image %s unavailable]", c.ID)})
			}
		}
		return []Message{{Role: "user", Content: blocks}}

	case cireilclaw.RoleAssistant:
		msg := Message{Role: "assistant"}
		if text := m.Text(); text != "" {
			msg.Content = text
		}
		for _, c := range m.ToolCalls() {
			msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
				ID:   c.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      c.Name,
					Arguments: string(c.Input),
				},
			})
		}
		return []Message{msg}

	case cireilclaw.RoleToolResponse:
		var out []Message
		for _, c := range m.Content {
			if c.Type != cireilclaw.ContentToolResponse {
				continue
			}
			out = append(out, Message{
				Role:       "tool",
				Content:    string(c.Output),
				ToolCallID: c.ID,
			})
		}
		return out
	}
	return nil
}

func dataURL(mediaType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}
