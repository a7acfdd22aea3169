package cireilclaw

import "encoding/json"

// --- Message model ---

// Role tags a Message. ToolResponse messages pair with the assistant
// toolCall of the same id.
type Role string

const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleSystem       Role = "system"
	RoleToolResponse Role = "toolResponse"
)

// ContentType tags a Content part.
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentImage        ContentType = "image"
	ContentImageRef     ContentType = "image_ref" // persisted form of ContentImage
	ContentToolCall     ContentType = "toolCall"
	ContentToolResponse ContentType = "toolResponse"
)

// Content is one part of a message body. Which fields are meaningful
// depends on Type:
//
//	text         Content
//	image        MediaType, Data
//	image_ref    ID, MediaType
//	toolCall     ID, Name, Input
//	toolResponse ID, Name, Output
type Content struct {
	Type      ContentType     `json:"type"`
	Content   string          `json:"content,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// Message is one entry of a session history.
type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
	// ID carries channel provenance (e.g. the Discord message id), when known.
	ID string `json:"id,omitempty"`
	// Persist, when explicitly false, excludes a user message from
	// serialization. Nil means persist.
	Persist *bool `json:"persist,omitempty"`
}

// --- Content constructors ---

func TextContent(s string) Content {
	return Content{Type: ContentText, Content: s}
}

func ImageContent(mediaType string, data []byte) Content {
	return Content{Type: ContentImage, MediaType: mediaType, Data: data}
}

func ImageRefContent(id, mediaType string) Content {
	return Content{Type: ContentImageRef, ID: id, MediaType: mediaType}
}

func ToolCallContent(id, name string, input json.RawMessage) Content {
	return Content{Type: ContentToolCall, ID: id, Name: name, Input: input}
}

func ToolResponseContent(id, name string, output json.RawMessage) Content {
	return Content{Type: ContentToolResponse, ID: id, Name: name, Output: output}
}

// --- Message constructors ---

// UserText builds a single-part user message.
func UserText(s string) Message {
	return Message{Role: RoleUser, Content: []Content{TextContent(s)}}
}

// SystemText builds a single-part system message.
func SystemText(s string) Message {
	return Message{Role: RoleSystem, Content: []Content{TextContent(s)}}
}

// ToolResponseMessage builds the history entry pairing a tool call with its
// JSON-encoded output object.
func ToolResponseMessage(id, name string, output json.RawMessage) Message {
	return Message{Role: RoleToolResponse, Content: []Content{ToolResponseContent(id, name, output)}}
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == ContentText {
			out += c.Content
		}
	}
	return out
}

// ToolCalls returns the toolCall parts of a message in emitted order.
func (m Message) ToolCalls() []Content {
	var calls []Content
	for _, c := range m.Content {
		if c.Type == ContentToolCall {
			calls = append(calls, c)
		}
	}
	return calls
}

// --- Provider protocol ---

// ChatRequest is the provider-agnostic completion request. The system prompt
// travels separately from the message list.
type ChatRequest struct {
	System     string
	Messages   []Message
	Tools      []ToolDefinition
	ToolChoice string
}

// ChatResponse is one completion. Message is the assistant message holding
// text and/or toolCall parts.
type ChatResponse struct {
	Message      Message
	FinishReason string
	Usage        Usage
}

// FinishToolCalls is the finish reason the engine requires; anything else
// fails the turn.
const (
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Channel payloads ---

// Attachment is an outbound file delivered alongside a respond call.
type Attachment struct {
	Filename string
	Data     []byte
}

// FileInfo is an inbound attachment fetched from a channel.
type FileInfo struct {
	Filename string
	MimeType string
	Data     []byte
}
