package rpcio

import (
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/segmentio/encoding/json"
)

// notificationSchemas holds one advisory JSON Schema per method we know
// the shape of. A schema miss (unknown method) is not an error — the
// child's notification surface is allowed to grow without us.
var notificationSchemas = buildNotificationSchemas()

func buildNotificationSchemas() map[string]*jsonschema.Resolved {
	defs := map[string]*jsonschema.Schema{
		"turn/started": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"conversationId": {Type: "string"},
			},
		},
		"item/agentMessage/delta": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"delta": {Type: "string"},
			},
		},
		"turn/completed": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"conversationId": {Type: "string"},
			},
		},
		"turn/failed": {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"error": {},
			},
		},
	}

	out := make(map[string]*jsonschema.Resolved, len(defs))
	for method, schema := range defs {
		resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			slog.Warn("rpcio: failed to resolve notification schema", "method", method, "err", err)
			continue
		}
		out[method] = resolved
	}
	return out
}

// validateNotification checks params against the schema registered for
// method, if any, and logs on mismatch. It never returns an error to the
// caller: this is observability, not enforcement, per the verbatim
// delivery guarantee notifications carry downstream.
func validateNotification(log *slog.Logger, n Notification) {
	schema, ok := notificationSchemas[n.Method]
	if !ok {
		return
	}
	var v interface{}
	if len(n.Params) > 0 {
		if err := json.Unmarshal(n.Params, &v); err != nil {
			log.Debug("rpcio: notification params not valid JSON for schema check", "method", n.Method, "err", err)
			return
		}
	}
	if err := schema.Validate(v); err != nil {
		log.Debug("rpcio: notification failed advisory schema validation", "method", n.Method, "err", err)
	}
}
