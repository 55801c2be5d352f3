package llm

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed prompts/*.prompt
var promptFiles embed.FS

// PromptKey names one of the embedded prompt templates.
type PromptKey string

const (
	AnswerPrompt       PromptKey = "answer"
	AnswerStreamPrompt PromptKey = "answer_stream"
	GeneratePrompt     PromptKey = "generate"
	TestGenPrompt      PromptKey = "testgen"
	CriticPrompt       PromptKey = "critic"
	DefenderPrompt     PromptKey = "defender"
	ControllerPrompt   PromptKey = "controller"
	RouterPrompt       PromptKey = "router"
	PlannerPrompt      PromptKey = "planner"
	ImpactPrompt       PromptKey = "impact"
	RefinePrompt       PromptKey = "refine"
)

// PromptManager loads and renders the prompt templates embedded in the binary.
type PromptManager struct {
	prompts map[PromptKey]*template.Template
}

// NewPromptManager parses every embedded *.prompt file. Filenames are the
// prompt key plus the .prompt extension.
func NewPromptManager() (*PromptManager, error) {
	pm := &PromptManager{prompts: make(map[PromptKey]*template.Template)}

	files, err := promptFiles.ReadDir("prompts")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded prompts directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		key := PromptKey(strings.TrimSuffix(name, filepath.Ext(name)))

		content, err := promptFiles.ReadFile("prompts/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded prompt %s: %w", name, err)
		}
		tmpl, err := template.New(string(key)).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse prompt %s: %w", name, err)
		}
		pm.prompts[key] = tmpl
	}

	return pm, nil
}

// Render executes the named template with the given data.
func (pm *PromptManager) Render(key PromptKey, data any) (string, error) {
	tmpl, ok := pm.prompts[key]
	if !ok {
		return "", fmt.Errorf("no prompt registered for key %q", key)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %q: %w", key, err)
	}
	return buf.String(), nil
}
