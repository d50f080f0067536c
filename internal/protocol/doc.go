// Package protocol defines the wire protocol spoken with capability
// providers: a JSON-RPC 2.0 envelope carried as newline-delimited records
// (stdio, websocket) or event payloads (SSE), plus the typed messages for
// the handshake and discovery methods and the Tool/Resource/Prompt model.
//
// The package is transport-agnostic. Framing and delivery belong to
// internal/transport; request correlation belongs to internal/conn.
package protocol
