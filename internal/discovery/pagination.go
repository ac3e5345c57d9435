// Package discovery implements the three discovery tools exposed at the MCP
// front door (spec §4.G): get_functions (paginated listing),
// get_function_schema (per-tool type snippet), and search_functions (BM25
// ranked search over name/description).
package discovery

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
)

// cursorPayload is the JSON shape encoded into an opaque pagination cursor.
type cursorPayload struct {
	Offset int `json:"o"`
}

// encodeCursor produces a base64url-encoded opaque cursor for offset.
func encodeCursor(offset int) string {
	data, _ := json.Marshal(cursorPayload{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeCursor parses an opaque cursor back into an offset. An empty cursor
// decodes to offset 0 (the first page). A cursor that decodes to valid
// base64url/JSON but omits the "o" key is rejected rather than defaulting
// to 0: the key's presence, not just its value, is part of the contract.
func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, bridgeerr.New(bridgeerr.InvalidCursor, fmt.Errorf("malformed cursor: %w", err))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return 0, bridgeerr.New(bridgeerr.InvalidCursor, fmt.Errorf("malformed cursor payload: %w", err))
	}
	raw, ok := fields["o"]
	if !ok {
		return 0, bridgeerr.New(bridgeerr.InvalidCursor, fmt.Errorf("cursor missing required %q field", "o"))
	}
	var offset int
	if err := json.Unmarshal(raw, &offset); err != nil {
		return 0, bridgeerr.New(bridgeerr.InvalidCursor, fmt.Errorf("cursor %q field is not a number: %w", "o", err))
	}
	if offset < 0 {
		return 0, bridgeerr.New(bridgeerr.InvalidCursor, fmt.Errorf("negative offset in cursor"))
	}
	return offset, nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func clampPageSize(requested int) int {
	if requested <= 0 {
		return defaultPageSize
	}
	if requested > maxPageSize {
		return maxPageSize
	}
	return requested
}
