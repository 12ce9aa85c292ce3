// Package chatapi parses the OpenAI-compatible /v1/chat/completions request
// body into the fields the rest of the balancer needs: the message list for
// template rendering, any tool definitions, and the streaming flag. Modeled
// on the gateway-api-inference-extension project's body-extraction pattern:
// unmarshal strictly enough to validate, but keep the original body around
// so unrelated fields pass through to the upstream server untouched.
package chatapi

import (
	"encoding/json"

	"github.com/sgl-project/disagg-lb/internal/lberrors"
	"github.com/sgl-project/disagg-lb/internal/template"
)

// ChatCompletionsRequest is the subset of the OpenAI chat-completions body
// the balancer inspects. Raw holds the full decoded body so routing fields
// (bootstrap_host, bootstrap_port, bootstrap_room, decode_rank) can be added
// to it before forwarding, without dropping fields the balancer doesn't
// otherwise understand.
type ChatCompletionsRequest struct {
	Model    string                 `json:"model"`
	Messages []template.Message     `json:"messages"`
	Tools    []json.RawMessage      `json:"tools,omitempty"`
	Stream   bool                   `json:"stream"`
	Raw      map[string]interface{} `json:"-"`
}

// Parse decodes a raw /v1/chat/completions request body. A malformed body or
// one missing "messages" is a client error (4xx): the caller sent something
// the balancer cannot route.
func Parse(body []byte) (*ChatCompletionsRequest, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, lberrors.ClientError("invalid JSON request body: %v", err)
	}

	var req ChatCompletionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, lberrors.ClientError("invalid chat-completions request: %v", err)
	}
	if len(req.Messages) == 0 {
		return nil, lberrors.ClientError("chat-completions request must include at least one message")
	}
	req.Raw = raw
	return &req, nil
}

// WithRouting returns the request's raw body with the bootstrap/routing
// fields merged in, ready to re-marshal and forward to the prefill or decode
// worker. It never mutates the receiver's Raw map.
func (r *ChatCompletionsRequest) WithRouting(bootstrapHost string, bootstrapPort int, bootstrapRoom int64, decodeRank uint) map[string]interface{} {
	out := make(map[string]interface{}, len(r.Raw)+4)
	for k, v := range r.Raw {
		out[k] = v
	}
	out["bootstrap_host"] = bootstrapHost
	if bootstrapPort > 0 {
		out["bootstrap_port"] = bootstrapPort
	} else {
		delete(out, "bootstrap_port")
	}
	out["bootstrap_room"] = bootstrapRoom
	out["decode_rank"] = decodeRank
	return out
}
