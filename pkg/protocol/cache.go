package protocol

import "encoding/json"

// CachedCallRecord is one previously observed model call.
// Output is kept as the exact recorded text so replay reproduces it byte for byte.
type CachedCallRecord struct {
	Name       string                 `json:"name"`
	Input      interface{}            `json:"input"`
	Output     string                 `json:"output"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Override holds per-path behavior overrides applied by the replaying caller.
type Override struct {
	SystemPrompt *string        `json:"systemPrompt,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
}

// ReplayMetadata is the per-path replay budget for the current run.
type ReplayMetadata struct {
	PathToCount map[string]int      `json:"pathToCount"`
	Overrides   map[string]Override `json:"overrides"`
}

// LookupRequest is the body of POST /cached.
type LookupRequest struct {
	Path  string `json:"path"`
	Index *int   `json:"index"`
}

// LookupResponse is returned by POST /cached. Span is nil on a miss.
type LookupResponse struct {
	Span        *CachedCallRecord   `json:"span,omitempty"`
	Error       string              `json:"error,omitempty"`
	PathToCount map[string]int      `json:"pathToCount"`
	Overrides   map[string]Override `json:"overrides"`
}

// CacheMissMessage is the error text of a 404 lookup.
const CacheMissMessage = "Cache miss"
