package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseComponent decodes a component document from YAML (which also accepts
// JSON) and validates it.
func ParseComponent(data []byte) (*Component, error) {
	var c Component
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse component document: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadComponentFile reads and parses a component document from disk. JSON
// files are decoded as JSON to keep their number types exact; everything
// else goes through the YAML decoder.
func LoadComponentFile(path string) (*Component, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read component file: %w", err)
	}
	if strings.HasSuffix(path, ".json") {
		var c Component
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse component file %s: %w", path, err)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &c, nil
	}
	c, err := ParseComponent(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
