package golden

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/lzjever/mbos-fleet/internal/taskgraph"
)

//go:embed recipe.yaml
var defaultRecipeYAML []byte

const (
	CustomScriptTask = "custom-script"
	UploadServices   = "services"
)

// Recipe is the list of setup tasks baked into the golden image.
type Recipe struct {
	Runtime string       `yaml:"runtime"`
	Tasks   []RecipeTask `yaml:"tasks"`
}

// RecipeTask runs Script with bash, or uploads a bundled file set when Upload
// is set.
type RecipeTask struct {
	Name   string            `yaml:"name"`
	Deps   []string          `yaml:"deps,omitempty"`
	Sudo   bool              `yaml:"sudo,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
	Script string            `yaml:"script,omitempty"`
	Upload string            `yaml:"upload,omitempty"`
}

func DefaultRecipe() (*Recipe, error) {
	r, err := ParseRecipe(defaultRecipeYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to parse default recipe: %w", err)
	}
	return r, nil
}

// LoadRecipe reads a recipe file, or the built-in one when path is empty.
func LoadRecipe(path string) (*Recipe, error) {
	if path == "" {
		return DefaultRecipe()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	r, err := ParseRecipe(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func ParseRecipe(b []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse recipe: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recipe) Validate() error {
	if len(r.Tasks) == 0 {
		return fmt.Errorf("recipe has no tasks")
	}
	g := taskgraph.Graph{}
	for _, t := range r.Tasks {
		switch {
		case t.Name == "":
			return fmt.Errorf("recipe task without a name")
		case t.Name == CustomScriptTask:
			return fmt.Errorf("task name %q is reserved", CustomScriptTask)
		case (t.Script == "") == (t.Upload == ""):
			return fmt.Errorf("task %s: exactly one of script or upload is required", t.Name)
		case t.Upload != "" && t.Upload != UploadServices:
			return fmt.Errorf("task %s: unknown upload %q", t.Name, t.Upload)
		}
		g.Tasks = append(g.Tasks, taskgraph.Task{Name: t.Name, Deps: t.Deps})
	}
	return g.Validate()
}

// Digest identifies the recipe plus custom script, so two images built from
// the same inputs can be recognized.
func (r *Recipe) Digest(customScript string) string {
	h := blake3.New()
	for _, t := range r.Tasks {
		fmt.Fprintf(h, "%s\x00%s\x00%t\x00%s\x00%s\x00", t.Name, strings.Join(t.Deps, ","), t.Sudo, t.Upload, t.Script)
		for _, k := range sortedKeys(t.Env) {
			fmt.Fprintf(h, "%s=%s\x00", k, t.Env[k])
		}
		h.Write([]byte{'\n'})
	}
	fmt.Fprintf(h, "%s\x00%s", CustomScriptTask, customScript)
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}
