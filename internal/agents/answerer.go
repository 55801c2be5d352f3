package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/llm"
)

// Per-chunk context truncation for the answer prompt.
const answerContextChars = 800

// Required answer sections.
const (
	sectionShortAnswer = "## Short Answer"
	sectionEvidence    = "## Evidence From Code"
	sectionNextStep    = "## Practical Next Step"
)

// uncertaintyMarkers force low confidence regardless of citations.
var uncertaintyMarkers = []string{
	"i don't know", "i do not know", "not sure", "cannot determine",
	"unable to determine", "unclear from the context", "no information",
}

// genericAnswerMarkers flag placeholder or mock text.
var genericAnswerMarkers = []string{
	"[mock", "as an ai language model", "your answer here", "answer here as plain markdown",
}

// Answerer synthesizes grounded answers with validated citations and
// calibrated confidence.
type Answerer struct {
	chat    ChatClient
	prompts *llm.PromptManager
	logger  *slog.Logger
}

// NewAnswerer builds the answerer.
func NewAnswerer(chat ChatClient, prompts *llm.PromptManager, logger *slog.Logger) *Answerer {
	return &Answerer{chat: chat, prompts: prompts, logger: logger}
}

// Answer generates a grounded answer from the retrieved chunks. It never
// returns an error: failures produce a structured low-confidence result.
func (a *Answerer) Answer(ctx context.Context, query string, chunks []core.Chunk, conversationContext string) core.AnswerResult {
	if len(chunks) == 0 {
		return a.noEvidenceResult(query)
	}

	system, err := a.prompts.Render(llm.AnswerPrompt, nil)
	if err != nil {
		return a.errorResult(chunks, err)
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", a.buildContext(chunks), query)
	if conversationContext != "" {
		user = "Recent conversation:\n" + conversationContext + "\n\n" + user
	}

	response, err := a.chat.Complete(ctx, []core.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CompleteOptions{JSONMode: true})
	if err != nil {
		a.logger.Error("answer generation failed", "error", err)
		return a.errorResult(chunks, err)
	}

	raw := a.parseAnswer(response)
	raw.Answer = cleanAnswerText(raw.Answer)

	citations := validateCitations(raw.Citations, chunks)
	if len(citations) == 0 && len(chunks) > 0 {
		citations = synthesizeCitations(chunks)
	}

	confidence := calibrateConfidence(raw, citations)

	result := core.AnswerResult{
		Answer:     ensureSections(raw.Answer, citations, raw.Assumptions),
		Citations:  citations,
		Confidence: confidence,
	}
	if confidence == core.ConfidenceLow {
		result.Assumptions = raw.Assumptions
	}
	return result
}

// AnswerStream yields partial answer text, bypassing the JSON pipeline.
func (a *Answerer) AnswerStream(ctx context.Context, query string, chunks []core.Chunk, conversationContext string) (<-chan string, error) {
	system, err := a.prompts.Render(llm.AnswerStreamPrompt, nil)
	if err != nil {
		return nil, err
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", a.buildContext(chunks), query)
	if conversationContext != "" {
		user = "Recent conversation:\n" + conversationContext + "\n\n" + user
	}

	return a.chat.Stream(ctx, []core.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CompleteOptions{})
}

// buildContext labels up to the top 3 chunks as S1..S3, each truncated.
func (a *Answerer) buildContext(chunks []core.Chunk) string {
	var sb strings.Builder
	for i, chunk := range chunks {
		if i >= 3 {
			break
		}
		content := chunk.Content
		if len(content) > answerContextChars {
			content = content[:answerContextChars] + "... [truncated]"
		}
		fmt.Fprintf(&sb, "[S%d]\nFile: %s\nLines: %s\nContent:\n%s\n", i+1, chunk.FilePath, chunk.LineRange(), content)
		if i < 2 && i < len(chunks)-1 {
			sb.WriteString("\n---\n")
		}
	}
	return sb.String()
}

// rawAnswer is the untrusted shape of the model's JSON reply.
type rawAnswer struct {
	Answer      string          `json:"answer"`
	Citations   []core.Citation `json:"citations"`
	Confidence  string          `json:"confidence"`
	Assumptions []string        `json:"assumptions"`
}

func (a *Answerer) parseAnswer(response string) rawAnswer {
	parsed := llm.ExtractJSON(response)
	if parsed.Outcome != llm.Unparsed {
		var data rawAnswer
		if err := parsed.Decode(&data); err == nil && data.Answer != "" {
			return data
		}
	}

	// Field-level regex extraction, then raw text as the last resort.
	if answer, ok := llm.ExtractStringField(parsed.Raw, "answer"); ok {
		conf := "medium"
		if m := regexp.MustCompile(`"confidence"\s*:\s*"?(high|medium|low)"?`).FindStringSubmatch(parsed.Raw); m != nil {
			conf = m[1]
		}
		return rawAnswer{Answer: answer, Confidence: conf}
	}
	return rawAnswer{Answer: parsed.Raw, Confidence: "medium"}
}

var (
	answerPrefixRe    = regexp.MustCompile(`(?i)^\s*\{?\s*"?answer"?\s*:\s*"?`)
	leakedMetadataRe  = regexp.MustCompile(`(?is)\s*,?\s*"?(citations|confidence|assumptions)"?\s*:.*$`)
	danglingBracesRe  = regexp.MustCompile(`^\s*[{,]\s*|\s*[},"]\s*$`)
)

// cleanAnswerText strips JSON metadata fragments that leaked into the answer
// string.
func cleanAnswerText(text string) string {
	text = strings.TrimSpace(text)
	text = answerPrefixRe.ReplaceAllString(text, "")
	text = leakedMetadataRe.ReplaceAllString(text, "")
	text = danglingBracesRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

var lineRangeRe = regexp.MustCompile(`(\d+)\s*[-–]\s*L?(\d+)`)

// normalizeLineRange maps "10-20", "L10-L20", "L10 - 20" to "L10-L20".
func normalizeLineRange(lineRange string) string {
	m := lineRangeRe.FindStringSubmatch(lineRange)
	if m == nil {
		return ""
	}
	return "L" + m[1] + "-L" + m[2]
}

// validateCitations keeps only citations that resolve to a retrieved chunk. A
// citation whose path matches but whose range does not adopts the chunk's
// range. At most 3 deduplicated citations survive.
func validateCitations(citations []core.Citation, chunks []core.Chunk) []core.Citation {
	byPath := make(map[string][]core.Chunk)
	for _, c := range chunks {
		byPath[c.FilePath] = append(byPath[c.FilePath], c)
	}

	seen := make(map[string]struct{})
	var valid []core.Citation
	for _, cit := range citations {
		matches, ok := byPath[cit.FilePath]
		if !ok {
			continue
		}

		normalized := normalizeLineRange(cit.LineRange)
		adopted := matches[0].LineRange()
		for _, c := range matches {
			if normalized == c.LineRange() {
				adopted = normalized
				break
			}
		}
		cit.LineRange = adopted

		key := cit.FilePath + "|" + cit.LineRange
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		valid = append(valid, cit)
		if len(valid) == 3 {
			break
		}
	}
	return valid
}

// synthesizeCitations builds citations from the first three chunks when the
// model supplied none.
func synthesizeCitations(chunks []core.Chunk) []core.Citation {
	var out []core.Citation
	for i, c := range chunks {
		if i >= 3 {
			break
		}
		out = append(out, core.Citation{
			FilePath:  c.FilePath,
			LineRange: c.LineRange(),
			Snippet:   truncate(c.Content, 180),
			Why:       "Retrieved as relevant context",
		})
	}
	return out
}

var sourceRefRe = regexp.MustCompile(`\[S\d\]`)

func calibrateConfidence(raw rawAnswer, citations []core.Citation) core.Confidence {
	uniquePaths := make(map[string]struct{})
	for _, c := range citations {
		uniquePaths[c.FilePath+"|"+c.LineRange] = struct{}{}
	}

	score := 0
	switch {
	case len(uniquePaths) >= 3:
		score = 2
	case len(uniquePaths) >= 2:
		score = 1
	}

	// The model may raise confidence, but only up to its own claimed level.
	llmScore := 0
	switch strings.ToLower(raw.Confidence) {
	case "high":
		llmScore = 2
	case "medium":
		llmScore = 1
	}
	if llmScore > score {
		score = llmScore
	}

	// Answers that never reference a source cap at medium.
	if !sourceRefRe.MatchString(raw.Answer) && score > 1 {
		score = 1
	}

	if len(raw.Assumptions) > 0 {
		score--
	}

	lower := strings.ToLower(raw.Answer)
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			score = 0
			break
		}
	}
	for _, marker := range genericAnswerMarkers {
		if strings.Contains(lower, marker) {
			score = 0
			break
		}
	}

	switch {
	case score >= 2:
		return core.ConfidenceHigh
	case score == 1:
		return core.ConfidenceMedium
	default:
		return core.ConfidenceLow
	}
}

// sectionAliases normalize header variants the model tends to emit.
var sectionAliases = map[*regexp.Regexp]string{
	regexp.MustCompile(`(?mi)^#{1,3}\s*(direct answer|answer|summary)\s*$`):                sectionShortAnswer,
	regexp.MustCompile(`(?mi)^#{1,3}\s*(evidence|evidence from code|code evidence)\s*$`):   sectionEvidence,
	regexp.MustCompile(`(?mi)^#{1,3}\s*(next steps?|practical next steps?|next actions?)\s*$`): sectionNextStep,
}

// ensureSections guarantees the three required answer sections, normalizing
// alias headers and synthesizing missing sections from citations and
// assumptions.
func ensureSections(answer string, citations []core.Citation, assumptions []string) string {
	for re, canonical := range sectionAliases {
		answer = re.ReplaceAllString(answer, canonical)
	}

	var sb strings.Builder
	if !strings.Contains(answer, sectionShortAnswer) {
		sb.WriteString(sectionShortAnswer + "\n")
		sb.WriteString(answer)
		sb.WriteString("\n")
	} else {
		sb.WriteString(answer)
		sb.WriteString("\n")
	}

	if !strings.Contains(sb.String(), sectionEvidence) {
		sb.WriteString("\n" + sectionEvidence + "\n")
		if len(citations) == 0 {
			sb.WriteString("- No code evidence was retrieved for this question.\n")
		}
		for _, c := range citations {
			fmt.Fprintf(&sb, "- `%s` (%s)\n", c.FilePath, c.LineRange)
		}
	}

	if !strings.Contains(sb.String(), sectionNextStep) {
		sb.WriteString("\n" + sectionNextStep + "\n")
		switch {
		case len(assumptions) > 0:
			fmt.Fprintf(&sb, "- Verify the assumption: %s\n", assumptions[0])
		case len(citations) > 0:
			fmt.Fprintf(&sb, "- Open `%s` and confirm the cited behavior.\n", citations[0].FilePath)
		default:
			sb.WriteString("- Index the repository or rephrase the question with a concrete file or function name.\n")
		}
	}

	return strings.TrimSpace(sb.String())
}

func (a *Answerer) noEvidenceResult(query string) core.AnswerResult {
	answer := sectionShortAnswer + "\n" +
		"No relevant code was retrieved for this question, so a grounded answer is not possible.\n\n" +
		sectionEvidence + "\n- No chunks matched the query.\n\n" +
		sectionNextStep + "\n- Make sure the repository is indexed, then rephrase with a concrete file or function name."
	return core.AnswerResult{
		Answer:      answer,
		Citations:   []core.Citation{},
		Confidence:  core.ConfidenceLow,
		Assumptions: []string{fmt.Sprintf("No indexed evidence was found for: %s", truncate(query, 120))},
	}
}

func (a *Answerer) errorResult(chunks []core.Chunk, err error) core.AnswerResult {
	citations := synthesizeCitations(chunks)
	return core.AnswerResult{
		Answer: ensureSections(
			fmt.Sprintf("An error occurred while generating the answer: %v", err),
			citations, nil),
		Citations:   citations,
		Confidence:  core.ConfidenceLow,
		Assumptions: []string{err.Error()},
	}
}
