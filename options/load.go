package options

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a JSON or YAML option document from path. The extension picks
// the format; anything other than .json is read as YAML.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options: %w", err)
	}
	return Unmarshal(data, strings.ToLower(filepath.Ext(path)) == ".json")
}

// Unmarshal decodes an option document from memory.
func Unmarshal(data []byte, isJSON bool) (map[string]any, error) {
	doc := map[string]any{}
	if isJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse options json: %w", err)
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse options yaml: %w", err)
	}
	return doc, nil
}
