package agents

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/core"
)

const validPytest = `import pytest

def test_addition():
    """Adding two numbers works."""
    assert 1 + 1 == 2

def test_subtraction():
    assert 2 - 1 == 1
`

func TestGenerateTestsAcceptsValidModelOutput(t *testing.T) {
	chat := &scriptedChat{responses: []string{fmt.Sprintf(
		`{"tests": %q, "test_file_name": "test_math.py", "explanation": "basic math", "coverage_notes": ["arithmetic"]}`,
		validPytest)}}
	tg := NewTestGenerator(chat, &stubRetriever{chunks: sampleChunks()}, testPrompts(t), testLogger())

	result := tg.GenerateTests(context.Background(), core.TestGenRequest{RepoID: "repo1", TargetFile: "src/auth.py"})
	assert.True(t, result.Success)
	assert.Equal(t, "test_math.py", result.TestFileName)
	assert.Contains(t, result.Tests, "def test_addition")
	assert.Equal(t, []string{"arithmetic"}, result.CoverageNotes)
	assert.NotEmpty(t, result.SourceFiles)
}

func TestGenerateTestsFallsBackToTemplateOnPlaceholder(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"tests": "test code here", "test_file_name": "test_x.py"}`,
	}}
	tg := NewTestGenerator(chat, &stubRetriever{chunks: sampleChunks()}, testPrompts(t), testLogger())

	result := tg.GenerateTests(context.Background(), core.TestGenRequest{RepoID: "repo1", TargetFile: "src/auth.py"})
	require.True(t, result.Success)
	// The template still yields runnable pytest code.
	assert.Contains(t, result.Tests, "def test_")
	assert.Contains(t, result.Tests, "import pytest")
	assert.NotContains(t, result.Tests, "test code here")
}

func TestGenerateTestsFromGeneratedCodeSkipsRetrievalForSource(t *testing.T) {
	chat := &scriptedChat{responses: []string{fmt.Sprintf(`{"tests": %q}`, validPytest)}}
	tg := NewTestGenerator(chat, &stubRetriever{chunks: nil}, testPrompts(t), testLogger())

	result := tg.GenerateTests(context.Background(), core.TestGenRequest{
		RepoID: "repo1",
		GeneratedCode: []core.GeneratedFile{
			{FilePath: "quick_sort.py", Content: "def quick_sort(arr):\n    return sorted(arr)\n"},
		},
	})
	require.True(t, result.Success)
	assert.Equal(t, []string{"quick_sort.py"}, result.SourceFiles)
}

func TestGenerateTestsProviderFailureUsesTemplate(t *testing.T) {
	chat := &scriptedChat{err: fmt.Errorf("provider down")}
	tg := NewTestGenerator(chat, &stubRetriever{chunks: sampleChunks()}, testPrompts(t), testLogger())

	result := tg.GenerateTests(context.Background(), core.TestGenRequest{RepoID: "repo1"})
	assert.True(t, result.Success)
	assert.Contains(t, result.Tests, "def test_")
	assert.Equal(t, "Template-based test generation (LLM unavailable)", result.Explanation)
}

func TestIsValidTestCode(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{"valid suite", validPytest, true},
		{"too short", "def test_a(): pass", false},
		{"placeholder", "def test_x():\n    # actual pytest code here\n    assert True", false},
		{"no test function", "import pytest\nx = 1\nassert x == 1  # not in a test", false},
		{"no assertions", "import pytest\n\ndef test_nothing():\n    print('hello world')", false},
		{"unbalanced brackets", "def test_broken():\n    assert f([1, 2) == 3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidTestCode(tt.code))
		})
	}
}

func TestTemplatePythonTests(t *testing.T) {
	chunks := []core.Chunk{{
		FilePath: "calculator.py",
		Content:  "def add(a, b):\n    return a + b\n\ndef _private():\n    pass\n",
	}}
	tests := generateTemplateTests(chunks, "calculator.py", "")

	assert.Contains(t, tests, "import calculator")
	assert.Contains(t, tests, "def test_add_exists")
	assert.NotContains(t, tests, "_private")
	assert.True(t, IsValidTestCode(tests))
}

func TestTemplateCppTests(t *testing.T) {
	chunks := []core.Chunk{{
		FilePath: "quick_sort.cpp",
		Content:  "#include <vector>\nvoid quick_sort(std::vector<int>& v) {}\n",
	}}
	tests := generateTemplateTests(chunks, "quick_sort.cpp", "")

	assert.Contains(t, tests, `CPP_FILE = "quick_sort.cpp"`)
	assert.Contains(t, tests, "-std=c++17")
	assert.Contains(t, tests, "def test_compiles_successfully")
	assert.Contains(t, tests, "g++")
}

func TestTemplateGenericTests(t *testing.T) {
	chunks := []core.Chunk{{FilePath: "script.lua", Content: "print('hi')\n"}}
	tests := generateTemplateTests(chunks, "", "")

	assert.Contains(t, tests, "def test_script_lua_exists")
	assert.Contains(t, tests, "def test_workspace_not_empty")
}

func TestDefaultTestFileName(t *testing.T) {
	assert.Equal(t, "test_generated.py", defaultTestFileName(""))
	assert.Equal(t, "test_auth.py", defaultTestFileName("src/auth.py"))
	assert.Equal(t, "test_main.py", defaultTestFileName("deep/dir/main.cpp"))
}

func TestCleanTestsUnwrapsNestedJSON(t *testing.T) {
	nested := fmt.Sprintf(`{"tests": %q}`, validPytest)
	out := cleanTests(nested)
	assert.Contains(t, out, "def test_addition")
	assert.False(t, strings.HasPrefix(out, "{"))
}

func TestExtractFunctionNames(t *testing.T) {
	chunks := []core.Chunk{{
		Content: "def visible():\n    pass\ndef _hidden():\n    pass\nint compute(int x) { return x; }\nint main() { return 0; }",
	}}
	names := extractFunctionNames(chunks)
	assert.Contains(t, names, "visible")
	assert.Contains(t, names, "compute")
	assert.NotContains(t, names, "_hidden")
	assert.NotContains(t, names, "main")
}
