package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for orchestrator spans and metrics.
var (
	AttrAgentSlug = attribute.Key("agent.slug")
	AttrChannel   = attribute.Key("session.channel")
	AttrSessionID = attribute.Key("session.id")

	AttrProviderName  = attribute.Key("provider.name")
	AttrProviderModel = attribute.Key("provider.model")

	AttrTokensInput  = attribute.Key("provider.tokens.input")
	AttrTokensOutput = attribute.Key("provider.tokens.output")

	AttrToolCount = attribute.Key("provider.tool_count")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")
)
