package agents

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

// complexityMarkers widen retrieval for multi-file requests.
var complexityMarkers = []string{
	"architecture", "end-to-end", "refactor", "migration", "multiple files",
	"across", "pipeline", "integration", "security", "performance",
}

// knownAlgorithms is the longest-match table for algorithm-hint detection.
var knownAlgorithms = []string{
	"binary search tree", "breadth first search", "depth first search",
	"dijkstra's algorithm", "topological sort", "union find",
	"merge sort", "quick sort", "heap sort", "bubble sort", "insertion sort",
	"selection sort", "radix sort", "counting sort", "shell sort",
	"binary search", "linear search", "linked list", "hash table", "hash map",
	"priority queue", "stack", "queue", "trie", "dijkstra", "knapsack",
	"fibonacci", "sieve of eratosthenes", "kmp", "rabin karp",
	"longest common subsequence", "edit distance", "quickselect",
}

// languageExtensions maps request keywords to the target file extension.
var languageExtensions = []struct {
	keyword string
	ext     string
}{
	{"c++", ".cpp"}, {"cpp", ".cpp"}, {"cplusplus", ".cpp"},
	{"javascript", ".js"}, {"typescript", ".ts"},
	{"java", ".java"}, {"golang", ".go"}, {" go ", ".go"}, {"in go", ".go"},
	{"rust", ".rs"}, {"ruby", ".rb"}, {"c#", ".cs"}, {"csharp", ".cs"},
	{"kotlin", ".kt"}, {"swift", ".swift"}, {"php", ".php"},
	{"python", ".py"},
}

// cppExtensions trigger the using-namespace post-processing rule.
var cppExtensions = map[string]struct{}{
	".cpp": {}, ".cc": {}, ".cxx": {}, ".c++": {}, ".hpp": {}, ".h": {},
}

// testPlaceholders reject echoed placeholder test bodies.
var testPlaceholders = []string{
	"actual pytest code here", "test code if applicable", "test code here",
	"write tests here", "your test code here", "insert test code",
	"placeholder", "python code for tests", "n/a",
}

// Generator proposes code changes grounded in retrieved context.
type Generator struct {
	chat      ChatClient
	retriever Retriever
	prompts   *llm.PromptManager
	logger    *slog.Logger
}

// NewGenerator builds the generator.
func NewGenerator(chat ChatClient, retriever Retriever, prompts *llm.PromptManager, logger *slog.Logger) *Generator {
	return &Generator{chat: chat, retriever: retriever, prompts: prompts, logger: logger}
}

// Generate produces a code-change proposal. It never returns an error: any
// unrecoverable failure yields a response with empty diffs and the error text
// in Plan.
func (g *Generator) Generate(ctx context.Context, repoID, request string, history []core.ChatMessage) core.GenerationResponse {
	k := 3
	if isComplexRequest(request) {
		k = 4
	}

	retrievalQuery := request
	recent := formatHistory(history, 5)
	if recent != "" {
		retrievalQuery = fmt.Sprintf("Current task: %s\nRecent conversation context:\n%s", request, recent)
	}

	chunks, err := g.retriever.Retrieve(ctx, repoID, retrievalQuery, k)
	if err != nil {
		g.logger.Error("generation retrieval failed", "error", err)
		return errorGeneration(err)
	}
	if len(chunks) == 0 {
		return core.GenerationResponse{
			Plan:              "I could not find any relevant code to modify. Please try a more specific request or ensure the repo is indexed.",
			PatternsFollowed:  []string{},
			Diffs:             []core.FileDiff{},
			Citations:         []string{},
			PasteInstructions: []string{},
		}
	}

	algo := detectAlgorithmHint(request)
	ext := detectLanguageExtension(request)

	system, err := g.prompts.Render(llm.GeneratePrompt, nil)
	if err != nil {
		return errorGeneration(err)
	}

	user := fmt.Sprintf("Context:\n%s\n\nRecent conversation context:\n%s\n\nUser Request: %s",
		g.formatContext(chunks), orNone(recent), request)
	if algo != "" {
		user += fmt.Sprintf("\n\nCRITICAL INSTRUCTION:\n"+
			"- The user asked for the %q algorithm. Implement exactly that algorithm.\n"+
			"- Treat the retrieved context as style reference ONLY; do not copy its logic.\n"+
			"- Name the file %s.", algo, algoFileName(algo, ext))
	}

	response, err := g.chat.Complete(ctx, []core.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CompleteOptions{JSONMode: true, MaxTokens: 4096})
	if err != nil {
		g.logger.Error("generation LLM call failed", "error", err)
		return errorGeneration(err)
	}

	data := g.parseGeneration(response)

	diffs := make([]core.FileDiff, 0, len(data.Changes))
	for _, change := range data.Changes {
		diffs = append(diffs, postProcessChange(change, algo, ext))
	}

	citations := uniqueCitations(chunks)
	paste := data.PasteInstructions
	if len(paste) == 0 && len(diffs) > 0 {
		paste = derivePasteInstructions(diffs)
	}

	return core.GenerationResponse{
		Plan:              orDefault(data.Plan, "No plan provided"),
		PatternsFollowed:  emptyIfNil(data.PatternsFollowed),
		Diffs:             diffs,
		Tests:             validateTestContent(data.TestFileContent),
		Citations:         citations,
		PasteInstructions: emptyIfNil(paste),
	}
}

type rawChange struct {
	FilePath     string `json:"file_path"`
	WhereToPaste string `json:"where_to_paste"`
	Code         string `json:"code"`
	Diff         string `json:"diff"`
}

type rawGeneration struct {
	Plan              string      `json:"plan"`
	PatternsFollowed  []string    `json:"patterns_followed"`
	TestFileContent   string      `json:"test_file_content"`
	PasteInstructions []string    `json:"paste_instructions"`
	Changes           []rawChange `json:"changes"`
}

func (g *Generator) parseGeneration(response string) rawGeneration {
	parsed := llm.ExtractJSON(response)
	if parsed.Outcome != llm.Unparsed {
		if parsed.Outcome == llm.Repaired {
			g.logger.Warn("generation response was truncated, repaired before parse")
		}
		var data rawGeneration
		if err := parsed.Decode(&data); err == nil {
			return data
		}
	}

	plan, ok := llm.ExtractStringField(parsed.Raw, "plan")
	if !ok {
		plan = "Error parsing generation plan"
	}
	return rawGeneration{Plan: plan}
}

func postProcessChange(change rawChange, algo, ext string) core.FileDiff {
	code := llm.StripFences(change.Code)
	diff := llm.StripFences(change.Diff)
	if code == "" && diff != "" {
		code = diff
	}

	filePath := change.FilePath
	if filePath == "" {
		filePath = "unknown"
	}
	// Models retrieve an unrelated file and keep its name; pin the hint's
	// canonical name.
	if algo != "" && !strings.Contains(strings.ToLower(filePath), algoSlug(algo)) {
		filePath = algoFileName(algo, ext)
	}

	if _, isCpp := cppExtensions[strings.ToLower(path.Ext(filePath))]; isCpp {
		code = ensureUsingNamespaceStd(code)
	}

	return core.FileDiff{
		FilePath:     filePath,
		WhereToPaste: change.WhereToPaste,
		Code:         code,
		Diff:         diff,
	}
}

// ensureUsingNamespaceStd inserts `using namespace std;` after the last
// include in C/C++ code that lacks it.
func ensureUsingNamespaceStd(code string) string {
	if !strings.Contains(code, "#include") || strings.Contains(code, "using namespace std") {
		return code
	}

	lines := strings.Split(code, "\n")
	lastInclude := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#include") {
			lastInclude = i
		}
	}
	if lastInclude < 0 {
		return code
	}

	out := make([]string, 0, len(lines)+2)
	out = append(out, lines[:lastInclude+1]...)
	out = append(out, "", "using namespace std;")
	out = append(out, lines[lastInclude+1:]...)
	return strings.Join(out, "\n")
}

func isComplexRequest(request string) bool {
	q := strings.ToLower(request)
	if len(q) > 140 {
		return true
	}
	for _, marker := range complexityMarkers {
		if strings.Contains(q, marker) {
			return true
		}
	}
	return false
}

// detectAlgorithmHint returns the longest known algorithm named in the request.
func detectAlgorithmHint(request string) string {
	q := strings.ToLower(request)
	best := ""
	for _, algo := range knownAlgorithms {
		if strings.Contains(q, algo) && len(algo) > len(best) {
			best = algo
		}
	}
	return best
}

// detectLanguageExtension returns the target extension, defaulting to Python.
func detectLanguageExtension(request string) string {
	q := " " + strings.ToLower(request) + " "
	for _, entry := range languageExtensions {
		if strings.Contains(q, entry.keyword) {
			return entry.ext
		}
	}
	return ".py"
}

func algoSlug(algo string) string {
	return strings.ReplaceAll(strings.ToLower(algo), " ", "_")
}

func algoFileName(algo, ext string) string {
	return algoSlug(algo) + ext
}

func (g *Generator) formatContext(chunks []core.Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		content := c.Content
		if len(content) > 1500 {
			content = content[:1500] + "... [truncated]"
		}
		parts = append(parts, fmt.Sprintf("File: %s\nLines: %s\n```\n%s\n```", c.FilePath, c.LineRange(), content))
	}
	return strings.Join(parts, "\n---\n")
}

func uniqueCitations(chunks []core.Chunk) []string {
	seen := make(map[string]struct{})
	for _, c := range chunks {
		seen[c.FilePath] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func derivePasteInstructions(diffs []core.FileDiff) []string {
	out := make([]string, 0, len(diffs))
	for i, d := range diffs {
		if where := strings.TrimSpace(d.WhereToPaste); where != "" {
			out = append(out, fmt.Sprintf("%d. `%s` -> %s", i+1, d.FilePath, where))
		} else {
			out = append(out, fmt.Sprintf("%d. `%s` -> apply the provided diff in this file.", i+1, d.FilePath))
		}
	}
	return out
}

// validateTestContent rejects placeholder or non-code test bodies.
func validateTestContent(tests string) string {
	tests = llm.StripFences(tests)
	if len(strings.TrimSpace(tests)) < 30 {
		return ""
	}
	lower := strings.ToLower(tests)
	for _, phrase := range testPlaceholders {
		if strings.Contains(lower, phrase) {
			return ""
		}
	}
	for _, marker := range []string{"def ", "import ", "class ", "assert "} {
		if strings.Contains(tests, marker) {
			return tests
		}
	}
	return ""
}

func errorGeneration(err error) core.GenerationResponse {
	return core.GenerationResponse{
		Plan:              fmt.Sprintf("Error analyzing code: %v", err),
		PatternsFollowed:  []string{},
		Diffs:             []core.FileDiff{},
		Citations:         []string{},
		PasteInstructions: []string{},
	}
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
