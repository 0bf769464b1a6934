package semantic

import (
	"fmt"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/internal/datasource"
)

// LoadReference reads each reference CSV in order. A missing or unreadable
// file is a configuration error.
func LoadReference(tool string, refs []config.ReferenceData) ([]Labeled, error) {
	out := make([]Labeled, 0, len(refs))
	for i, ref := range refs {
		rs, err := datasource.ReadCSV(ref.Path)
		if err != nil {
			return nil, &config.ConfigError{
				Tool: tool,
				What: fmt.Sprintf("semantic_layer.reference_data[%d]", i),
				Err:  fmt.Errorf("%q: %w", ref.Label, err),
			}
		}
		out = append(out, Labeled{
			Label:   ref.Label,
			Origin:  OriginReference,
			Columns: rs.Columns,
			Rows:    rs.Rows,
		})
	}
	return out, nil
}
