package backend

import (
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidTool = errors.New("invalid tool definition")

// ValidateTools checks that every tool has a unique name and that its
// parameters, when given, are a valid JSON schema.
func ValidateTools(tools []ToolDefinition) error {
	seen := map[string]bool{}
	for _, t := range tools {
		if t.Name == "" {
			return errors.Wrap(ErrInvalidTool, "tool without a name")
		}
		if seen[t.Name] {
			return errors.Wrapf(ErrInvalidTool, "duplicate tool %s", t.Name)
		}
		seen[t.Name] = true

		if len(t.Parameters) == 0 {
			continue
		}
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.Parameters)); err != nil {
			return errors.Wrapf(ErrInvalidTool, "tool %s: %v", t.Name, err)
		}
	}
	return nil
}
