package prompts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Local reads prompts from <dir>/<name>.yaml files.
type Local struct {
	dir string
}

// NewLocal returns a Local source over dir. The directory need not exist;
// every fetch then misses.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Fetch loads and parses one prompt file.
func (l *Local) Fetch(_ context.Context, name string) (Prompt, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, name+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return Prompt{}, ErrNotFound
		}
		return Prompt{}, fmt.Errorf("prompts: read %s: %w", name, err)
	}
	var p Prompt
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Prompt{}, fmt.Errorf("prompts: parse %s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	if p.Version == "" {
		p.Version = "local"
	}
	return p, nil
}
