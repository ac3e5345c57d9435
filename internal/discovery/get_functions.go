package discovery

import "github.com/pocketomega/codemode-bridge/internal/upstream"

// ToolSource is the subset of the Upstream Client Manager the discovery
// tools depend on. Expressed as an interface so tests can supply a fixed
// descriptor list without standing up real upstream connections.
type ToolSource interface {
	GetAllToolDescriptors() []upstream.ToolDescriptor
}

// FunctionSummary is one entry in a get_functions page.
type FunctionSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FunctionsPage is the get_functions result shape.
type FunctionsPage struct {
	Functions  []FunctionSummary `json:"functions"`
	NextCursor string            `json:"nextCursor,omitempty"`
	Total      int               `json:"total"`
}

// GetFunctions returns one page of the full tool listing, in the stable
// order GetAllToolDescriptors produces (sorted by server name). cursor is
// an opaque string previously returned as NextCursor, or "" for the first
// page. pageSize <= 0 uses defaultPageSize; values above maxPageSize are
// clamped.
func GetFunctions(source ToolSource, cursor string, pageSize int) (FunctionsPage, error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return FunctionsPage{}, err
	}
	size := clampPageSize(pageSize)

	all := source.GetAllToolDescriptors()
	total := len(all)

	if offset > total {
		offset = total
	}
	end := offset + size
	if end > total {
		end = total
	}

	page := make([]FunctionSummary, 0, end-offset)
	for _, d := range all[offset:end] {
		page = append(page, FunctionSummary{Name: d.QualifiedName, Description: d.Description})
	}

	result := FunctionsPage{Functions: page, Total: total}
	if end < total {
		result.NextCursor = encodeCursor(end)
	}
	return result, nil
}
