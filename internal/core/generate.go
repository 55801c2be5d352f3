package core

// FileDiff is one proposed file change from the generator.
type FileDiff struct {
	FilePath     string `json:"file_path"`
	WhereToPaste string `json:"where_to_paste,omitempty"`
	Code         string `json:"code,omitempty"`
	Content      string `json:"content,omitempty"`
	Diff         string `json:"diff"`
}

// Text returns the best available body for the diff: full code first, then
// content, then the raw diff.
func (d FileDiff) Text() string {
	if d.Code != "" {
		return d.Code
	}
	if d.Content != "" {
		return d.Content
	}
	return d.Diff
}

// GenerationRequest is the payload of POST /chat/generate.
type GenerationRequest struct {
	RepoID      string        `json:"repo_id"`
	Request     string        `json:"request"`
	ChatHistory []ChatMessage `json:"chat_history,omitempty"`
}

// GenerationResponse is the generator's structured output. It is always
// populated, even on failure: errors surface in Plan with empty diffs.
type GenerationResponse struct {
	Plan              string     `json:"plan"`
	PatternsFollowed  []string   `json:"patterns_followed"`
	Diffs             []FileDiff `json:"diffs"`
	Tests             string     `json:"tests"`
	Citations         []string   `json:"citations"`
	PasteInstructions []string   `json:"paste_instructions"`
}

// GeneratedFile carries already-generated code into the test generator so it
// can build chunks without another retrieval pass.
type GeneratedFile struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// TestGenRequest is the payload of POST /chat/pytest.
type TestGenRequest struct {
	RepoID         string          `json:"repo_id"`
	TargetFile     string          `json:"target_file,omitempty"`
	TargetFunction string          `json:"target_function,omitempty"`
	CustomRequest  string          `json:"custom_request,omitempty"`
	GeneratedCode  []GeneratedFile `json:"generated_code,omitempty"`
}

// TestGenResult is the test generator's structured output.
type TestGenResult struct {
	Success       bool     `json:"success"`
	Tests         string   `json:"tests"`
	TestFileName  string   `json:"test_file_name"`
	Explanation   string   `json:"explanation"`
	CoverageNotes []string `json:"coverage_notes"`
	SourceFiles   []string `json:"source_files"`
	Error         string   `json:"error,omitempty"`
}
