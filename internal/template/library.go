package template

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// libraryFile is the on-disk shape of a template library document.
type libraryFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadLibrary reads YAML template files from dir and registers them, merging
// over any builtin with the same id. Files that fail to parse are skipped
// with a log entry; a missing directory is not an error.
func (e *Engine) LoadLibrary(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read template library '%s': %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("failed to read template file", zap.String("path", path), zap.Error(err))
			continue
		}

		var doc libraryFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			e.logger.Warn("failed to parse template file", zap.String("path", path), zap.Error(err))
			continue
		}

		for i := range doc.Templates {
			t := doc.Templates[i]
			if err := e.Register(&t); err != nil {
				e.logger.Warn("skipping invalid template",
					zap.String("path", path),
					zap.String("template_id", t.ID),
					zap.Error(err))
				continue
			}
			loaded++
		}
	}

	if loaded > 0 {
		e.logger.Info("template library loaded", zap.String("dir", dir), zap.Int("templates", loaded))
	}
	return nil
}
