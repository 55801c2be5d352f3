package server

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// Ask-pipeline tuning.
const (
	historyTurnLimit      = 5
	shortFollowUpMaxWords = 6
	askPlannerTimeout     = 4500 * time.Millisecond
)

var casualPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(hi|hello|hey|hey man|yo|sup|hola)\s*[!.]*\s*$`),
	regexp.MustCompile(`^\s*(good morning|good afternoon|good evening)\s*[!.]*\s*$`),
	regexp.MustCompile(`^\s*(thanks|thank you|thx)\s*[!.]*\s*$`),
	regexp.MustCompile(`^\s*(how are you|what'?s up|who are you)\s*[?.!]*\s*$`),
}

var codeMarkers = []string{
	"file", "function", "class", "module", "endpoint", "api", "bug",
	"error", "stack", "trace", "index", "repository", "repo", "where",
	"why", "how does", "implement", "architecture", "dependency",
}

var pathCandidateRe = regexp.MustCompile(`([A-Za-z0-9_\-./]+\.[A-Za-z0-9_]+)`)

var shortFollowUpPhrases = []string{
	"how to fix", "how fix", "fix this", "fix it", "what fix",
	"why this", "how so", "and then", "what next",
}

// ask runs the full question pipeline: casual short-circuit, path and context
// hints, optional decomposition, parallel retrieval, and grounded answering.
func (h *handlers) ask(ctx context.Context, req core.AskRequest) (core.AnswerResult, error) {
	if isCasualMessage(req.Question) {
		return buildCasualResponse(req.Question), nil
	}

	if _, err := h.Repos.Get(req.RepoID); err != nil {
		return core.AnswerResult{}, err
	}

	pathCandidates := extractPathCandidates(req.Question)
	pathHintChunks := h.pathHintChunks(req.RepoID, pathCandidates)
	contextHintChunks := h.contextHintChunks(req.RepoID, req.ContextFileHints)

	// A named path that resolves to nothing gets an explicit not-found answer
	// instead of loosely-related retrieval output.
	if len(pathCandidates) > 0 && len(pathHintChunks) == 0 {
		return pathNotFoundResponse(pathCandidates), nil
	}

	recent := formatAskHistory(req.ChatHistory)
	seed := strings.TrimSpace(req.Question)
	if recent != "" {
		seed = fmt.Sprintf("Current question: %s\nRecent conversation:\n%s", seed, recent)
	}
	if len(req.ContextFileHints) > 0 {
		var hints []string
		for i, p := range req.ContextFileHints {
			if i >= 4 {
				break
			}
			hints = append(hints, "- "+p)
		}
		seed += "\nPrior cited files that are likely relevant:\n" + strings.Join(hints, "\n")
	}

	var subQuestions []string
	if req.Decompose || h.Planner.ShouldDecompose(req.Question) {
		plannerCtx, cancel := context.WithTimeout(ctx, askPlannerTimeout)
		subQuestions = h.Planner.Decompose(plannerCtx, req.Question)
		cancel()
	}

	followUp := isShortFollowUp(req.Question)

	queries := subQuestions
	if len(queries) == 0 {
		queries = []string{seed}
	}
	if len(queries) > 2 {
		queries = queries[:2]
	}
	if followUp && recent != "" {
		queries = append([]string{fmt.Sprintf(
			"Follow-up question: %s\nResolve references using recent conversation:\n%s",
			strings.TrimSpace(req.Question), recent)}, queries...)
	}
	if recent != "" && len(subQuestions) > 0 {
		for i, q := range queries {
			queries[i] = q + "\nRelated recent conversation:\n" + recent
		}
	}

	k := 4
	if followUp {
		k = 6
	}

	retrieved, err := h.Retriever.RetrieveMulti(ctx, req.RepoID, queries, k)
	if err != nil {
		return core.AnswerResult{}, err
	}

	seen := make(map[string]struct{})
	var chunks []core.Chunk
	for _, c := range append(append(pathHintChunks, contextHintChunks...), retrieved...) {
		if _, dup := seen[c.ChunkID]; dup {
			continue
		}
		seen[c.ChunkID] = struct{}{}
		chunks = append(chunks, c)
	}
	if len(chunks) > 6 {
		chunks = chunks[:6]
	}

	return h.Answerer.Answer(ctx, req.Question, chunks, recent), nil
}

// pathHintChunks chunks up to 2 files named in the question directly, which
// improves precision and latency for file-specific questions.
func (h *handlers) pathHintChunks(repoID string, candidates []string) []core.Chunk {
	if len(candidates) == 0 {
		return nil
	}
	files, err := h.Repos.ListFiles(repoID)
	if err != nil {
		return nil
	}

	pathIndex := make(map[string]string, len(files))
	for _, f := range files {
		pathIndex[strings.ToLower(f.FilePath)] = f.FilePath
	}

	var selected []string
	seen := make(map[string]struct{})
	for _, candidate := range candidates {
		c := strings.ToLower(strings.ReplaceAll(candidate, "\\", "/"))
		match := ""
		if full, ok := pathIndex[c]; ok {
			match = full
		} else {
			for lower, full := range pathIndex {
				if strings.HasSuffix(lower, "/"+c) {
					match = full
					break
				}
			}
		}
		if match == "" {
			continue
		}
		if _, dup := seen[match]; dup {
			continue
		}
		seen[match] = struct{}{}
		selected = append(selected, match)
	}

	var chunks []core.Chunk
	for i, filePath := range selected {
		if i >= 2 {
			break
		}
		content, err := h.Repos.ReadFile(repoID, filePath)
		if err != nil {
			continue
		}
		fileChunks := h.Chunker.ChunkFile(content, repoID, filePath)
		if len(fileChunks) > 3 {
			fileChunks = fileChunks[:3]
		}
		chunks = append(chunks, fileChunks...)
	}
	return chunks
}

// contextHintChunks pulls the first chunks of files a prior answer cited.
func (h *handlers) contextHintChunks(repoID string, hints []string) []core.Chunk {
	var normalized []string
	seen := make(map[string]struct{})
	for _, hint := range hints {
		p := strings.ReplaceAll(strings.TrimSpace(hint), "\\", "/")
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}

	var chunks []core.Chunk
	for i, filePath := range normalized {
		if i >= 3 {
			break
		}
		content, err := h.Repos.ReadFile(repoID, filePath)
		if err != nil {
			continue
		}
		fileChunks := h.Chunker.ChunkFile(content, repoID, filePath)
		if len(fileChunks) > 2 {
			fileChunks = fileChunks[:2]
		}
		chunks = append(chunks, fileChunks...)
	}
	return chunks
}

func isCasualMessage(question string) bool {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return false
	}
	for _, marker := range codeMarkers {
		if strings.Contains(q, marker) {
			return false
		}
	}
	if len(strings.Fields(q)) > 8 {
		return false
	}
	for _, pattern := range casualPatterns {
		if pattern.MatchString(q) {
			return true
		}
	}
	return false
}

func buildCasualResponse(question string) core.AnswerResult {
	q := strings.ToLower(question)
	var text string
	switch {
	case strings.Contains(q, "thank") || strings.Contains(q, "thx"):
		text = "You're welcome. I'm ready when you want to dive into the code.\n\n" +
			"Try asking something like:\n" +
			"- `Explain how repository loading works`\n" +
			"- `Where is indexing progress computed?`\n" +
			"- `Show potential performance bottlenecks`"
	case strings.Contains(q, "how are you") || strings.Contains(q, "what's up") || strings.Contains(q, "whats up"):
		text = "Doing well and ready to help. If you want, I can inspect architecture, " +
			"trace execution flow, or debug a specific error in your repo."
	default:
		text = "Hey. I'm here and ready.\n\n" +
			"Ask me anything about your repository and I'll answer with concrete code references."
	}

	return core.AnswerResult{
		Answer:      text,
		Citations:   []core.Citation{},
		Confidence:  core.ConfidenceLow,
		Assumptions: []string{"Social/greeting message detected; no code evidence required."},
	}
}

func pathNotFoundResponse(candidates []string) core.AnswerResult {
	shown := candidates
	if len(shown) > 3 {
		shown = shown[:3]
	}
	answer := "## Short Answer\n" +
		"I could not find the referenced file path in this repository.\n\n" +
		"## Evidence From Code\n" +
		fmt.Sprintf("- Requested path hint(s): %s\n", strings.Join(shown, ", ")) +
		"- No matching indexed file path was found.\n\n" +
		"## Practical Next Step\n" +
		"- Check the exact path and spelling.\n" +
		"- Ask with a nearby known file path if this file was renamed."
	return core.AnswerResult{
		Answer:      answer,
		Citations:   []core.Citation{},
		Confidence:  core.ConfidenceLow,
		Assumptions: []string{"Referenced file path was not found in repository file list."},
	}
}

func extractPathCandidates(question string) []string {
	var out []string
	for _, m := range pathCandidateRe.FindAllStringSubmatch(question, -1) {
		out = append(out, strings.Trim(m[1], "`'\""))
	}
	return out
}

func isShortFollowUp(question string) bool {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return false
	}
	if len(extractPathCandidates(q)) > 0 {
		return false
	}
	if len(strings.Fields(q)) <= shortFollowUpMaxWords {
		return true
	}
	for _, phrase := range shortFollowUpPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

func formatAskHistory(history []core.ChatMessage) string {
	if len(history) == 0 {
		return ""
	}
	start := 0
	if len(history) > historyTurnLimit {
		start = len(history) - historyTurnLimit
	}
	var lines []string
	for _, turn := range history[start:] {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		switch role {
		case "user":
			lines = append(lines, "User: "+content)
		case "assistant":
			lines = append(lines, "Assistant: "+content)
		}
	}
	return strings.Join(lines, "\n")
}
