package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dukex/orchestra/pkg/models"
	"gopkg.in/yaml.v3"
)

var definitionExtensions = []string{".yaml", ".yml", ".json"}

// LoadDefinitions reads one workflow definition file, or every .yaml, .yml and .json file
// of a directory in name order.
func LoadDefinitions(path string) ([]*models.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	files := []string{path}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}

		files = files[:0]

		for _, entry := range entries {
			if !entry.IsDir() && slices.Contains(definitionExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
	}

	defs := make([]*models.WorkflowDefinition, 0, len(files))

	for _, file := range files {
		def, err := readDefinition(file)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, nil
}

func readDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def models.WorkflowDefinition

	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &def)
	} else {
		err = yaml.Unmarshal(data, &def)
	}

	if err != nil {
		return nil, fmt.Errorf("parsing workflow file %s: %w", path, err)
	}

	return &def, nil
}
