package loaders

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// normalize converts YAML decision content to JSON. Anything else is
// passed through untouched; the engine validates it.
func normalize(key string, content []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".yaml", ".yml":
	default:
		return content, nil
	}

	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", key, err)
	}
	return out, nil
}
