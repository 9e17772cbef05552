package obs

import "go.opentelemetry.io/otel/attribute"

// scopeName is the instrumentation scope for all gateway metrics.
const scopeName = "gatebox"

var (
	// AttrFormat is the client wire format ("openai", "anthropic").
	AttrFormat = attribute.Key("gatebox.format")

	// AttrOutcome is the terminal transaction state ("ended", "failed").
	AttrOutcome = attribute.Key("gatebox.outcome")

	// AttrProvider is the upstream that served the request.
	AttrProvider = attribute.Key("gatebox.provider")

	// AttrModel is the requested model.
	AttrModel = attribute.Key("gatebox.model")

	// AttrStreaming reports whether the transaction streamed.
	AttrStreaming = attribute.Key("gatebox.streaming")

	// AttrSeverity grades a policy event ("info", "warning", "error").
	AttrSeverity = attribute.Key("gatebox.severity")
)
