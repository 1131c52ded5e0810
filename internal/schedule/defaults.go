package schedule

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type catalog struct {
	Tasks map[string]*Entry `yaml:"tasks"`
}

// defaultEntries parses the built-in catalog.
func defaultEntries() (map[string]*Entry, error) {
	var c catalog
	if err := yaml.Unmarshal(defaultsYAML, &c); err != nil {
		return nil, fmt.Errorf("failed to parse built-in schedule catalog: %w", err)
	}
	return c.Tasks, nil
}

// supplementDefaults adds catalog entries missing from the document. Existing
// entries keep their user-tuned fields.
func supplementDefaults(doc *Document) error {
	defaults, err := defaultEntries()
	if err != nil {
		return err
	}
	for taskType, entry := range defaults {
		if _, ok := doc.Tasks[taskType]; !ok {
			copied := *entry
			doc.Tasks[taskType] = &copied
		}
	}
	return nil
}
