package config

import (
	"github.com/menta2k/dish-counter/internal/utils"
	"github.com/menta2k/dish-counter/pkg/modelcache"
	"github.com/menta2k/dish-counter/pkg/workflow"
)

// ScanModels lists the weight files in the model directory. The result is
// sorted by filename and each entry gets the defaults at its position.
func (c *Config) ScanModels() ([]workflow.Model, error) {
	if !utils.DirExists(c.Models.Dir) {
		return nil, &ConfigurationError{Msg: "model directory not found: " + c.Models.Dir}
	}
	files, err := utils.ListModelFiles(c.Models.Dir, c.Models.Extensions)
	if err != nil {
		return nil, &ConfigurationError{Msg: "read model directory " + c.Models.Dir, Err: err}
	}
	if len(files) == 0 {
		return nil, &ConfigurationError{Msg: "no model files found in " + c.Models.Dir}
	}

	models := make([]workflow.Model, 0, len(files))
	for i, path := range files {
		m := workflow.Model{Path: path, Label: modelcache.Label(path)}
		if i < len(c.Models.Defaults) {
			m.Defaults = c.Models.Defaults[i]
		}
		models = append(models, m)
	}
	return models, nil
}
