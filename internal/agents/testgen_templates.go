package agents

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// generateTemplateTests synthesizes guaranteed-valid tests when the model
// output fails validation. Language is detected from the chunk file paths:
// C/C++ gets subprocess compile-and-run tests, Python gets import/callable
// checks, everything else gets file-existence smoke tests.
func generateTemplateTests(chunks []core.Chunk, targetFile, customRequest string) string {
	var filePaths []string
	if targetFile != "" {
		filePaths = append(filePaths, targetFile)
	}
	for _, c := range chunks {
		if c.FilePath != "" {
			filePaths = append(filePaths, c.FilePath)
		}
	}

	isCpp := false
	isPython := false
	for _, fp := range filePaths {
		switch strings.ToLower(path.Ext(fp)) {
		case ".cpp", ".cc", ".cxx", ".c", ".h", ".hpp":
			isCpp = true
		case ".py":
			isPython = true
		}
	}

	functions := extractFunctionNames(chunks)

	switch {
	case isCpp:
		return templateCppTests(filePaths)
	case isPython:
		return templatePythonTests(filePaths, functions)
	default:
		return templateGenericTests(filePaths)
	}
}

// templatePythonTests emits importability + hasattr/callable checks per
// discovered function, plus a public-members smoke test.
func templatePythonTests(filePaths, functions []string) string {
	module := "solution"
	if len(filePaths) > 0 {
		base := path.Base(strings.ReplaceAll(filePaths[0], "\\", "/"))
		if strings.HasSuffix(base, ".py") {
			module = strings.TrimSuffix(base, ".py")
		}
	}
	className := "Test" + titleCase(module)

	var sb strings.Builder
	sb.WriteString("import pytest\nimport sys\nimport os\n\n")
	sb.WriteString("# Ensure the module is importable\n")
	sb.WriteString("sys.path.insert(0, os.path.dirname(__file__))\n\n\n")
	fmt.Fprintf(&sb, "class %s:\n", className)
	fmt.Fprintf(&sb, "    \"\"\"Auto-generated tests for %s.\"\"\"\n\n", module)

	if len(functions) > 0 {
		for _, fn := range functions {
			fmt.Fprintf(&sb, "    def test_%s_exists(self):\n", fn)
			fmt.Fprintf(&sb, "        \"\"\"Test that %s function is callable.\"\"\"\n", fn)
			sb.WriteString("        try:\n")
			fmt.Fprintf(&sb, "            import %s\n", module)
			fmt.Fprintf(&sb, "            assert hasattr(%s, '%s'), '%s not found in %s'\n", module, fn, fn, module)
			fmt.Fprintf(&sb, "            assert callable(%s.%s), '%s is not callable'\n", module, fn, fn)
			sb.WriteString("        except ImportError:\n")
			fmt.Fprintf(&sb, "            pytest.skip('%s not importable')\n\n", module)
		}
	} else {
		sb.WriteString("    def test_module_imports(self):\n")
		sb.WriteString("        \"\"\"Test that the module can be imported.\"\"\"\n")
		sb.WriteString("        try:\n")
		fmt.Fprintf(&sb, "            import %s\n", module)
		fmt.Fprintf(&sb, "            assert %s is not None\n", module)
		sb.WriteString("        except ImportError:\n")
		fmt.Fprintf(&sb, "            pytest.skip('%s not importable')\n\n", module)
	}

	sb.WriteString("    def test_module_has_content(self):\n")
	sb.WriteString("        \"\"\"Test that the module is not empty.\"\"\"\n")
	sb.WriteString("        try:\n")
	fmt.Fprintf(&sb, "            import %s\n", module)
	fmt.Fprintf(&sb, "            members = [m for m in dir(%s) if not m.startswith('_')]\n", module)
	sb.WriteString("            assert len(members) > 0, 'Module has no public members'\n")
	sb.WriteString("        except ImportError:\n")
	fmt.Fprintf(&sb, "            pytest.skip('%s not importable')\n", module)

	return sb.String()
}

// templateCppTests emits subprocess tests that locate the source, find a
// compiler, compile with -std=c++17, and assert the binary runs and prints.
func templateCppTests(filePaths []string) string {
	cppFile := "solution.cpp"
	for _, fp := range filePaths {
		switch strings.ToLower(path.Ext(fp)) {
		case ".cpp", ".cc", ".cxx", ".c":
			cppFile = path.Base(strings.ReplaceAll(fp, "\\", "/"))
		}
		if cppFile != "solution.cpp" {
			break
		}
	}

	return fmt.Sprintf(`import pytest
import subprocess
import os
import shutil

# Path to the C++ source file
CPP_FILE = %q


class TestCppCompilation:
    """Auto-generated tests for C++ code compilation and execution."""

    def _find_cpp_file(self):
        """Locate the C++ source file."""
        for search_dir in [os.getcwd(), os.path.dirname(__file__)]:
            candidate = os.path.join(search_dir, CPP_FILE)
            if os.path.exists(candidate):
                return candidate
        pytest.skip(f"{CPP_FILE} not found")

    def _get_compiler(self):
        """Find available C++ compiler."""
        for compiler in ["g++", "clang++", "cl"]:
            if shutil.which(compiler):
                return compiler
        pytest.skip("No C++ compiler found (g++, clang++, or cl)")

    def _compile(self, cpp_path, compiler, output_path):
        return subprocess.run(
            [compiler, cpp_path, "-o", output_path, "-std=c++17"],
            capture_output=True, text=True, timeout=30
        )

    def test_file_exists(self):
        """Test that the C++ source file exists."""
        cpp_path = self._find_cpp_file()
        assert os.path.exists(cpp_path), f"{CPP_FILE} does not exist"
        assert os.path.getsize(cpp_path) > 0, f"{CPP_FILE} is empty"

    def test_compiles_successfully(self):
        """Test that the C++ code compiles without errors."""
        cpp_path = self._find_cpp_file()
        compiler = self._get_compiler()
        output_name = "test_output.exe" if os.name == "nt" else "test_output"
        output_path = os.path.join(os.path.dirname(cpp_path), output_name)
        try:
            result = self._compile(cpp_path, compiler, output_path)
            assert result.returncode == 0, (
                f"Compilation failed:\nSTDERR: {result.stderr}\nSTDOUT: {result.stdout}"
            )
        finally:
            if os.path.exists(output_path):
                os.remove(output_path)

    def test_runs_without_crash(self):
        """Test that the compiled program runs without crashing."""
        cpp_path = self._find_cpp_file()
        compiler = self._get_compiler()
        output_name = "test_output.exe" if os.name == "nt" else "test_output"
        output_path = os.path.join(os.path.dirname(cpp_path), output_name)
        try:
            comp = self._compile(cpp_path, compiler, output_path)
            if comp.returncode != 0:
                pytest.skip("Compilation failed, cannot test execution")
            result = subprocess.run(
                [output_path], capture_output=True, text=True, timeout=10, input=""
            )
            assert result.returncode == 0, (
                f"Program crashed with exit code {result.returncode}:\n"
                f"STDERR: {result.stderr}\nSTDOUT: {result.stdout}"
            )
        finally:
            if os.path.exists(output_path):
                os.remove(output_path)

    def test_produces_output(self):
        """Test that the program produces some output."""
        cpp_path = self._find_cpp_file()
        compiler = self._get_compiler()
        output_name = "test_output.exe" if os.name == "nt" else "test_output"
        output_path = os.path.join(os.path.dirname(cpp_path), output_name)
        try:
            comp = self._compile(cpp_path, compiler, output_path)
            if comp.returncode != 0:
                pytest.skip("Compilation failed")
            result = subprocess.run(
                [output_path], capture_output=True, text=True, timeout=10, input=""
            )
            assert len(result.stdout.strip()) > 0, "Program produced no output"
        finally:
            if os.path.exists(output_path):
                os.remove(output_path)
`, cppFile)
}

// titleCase turns "quick_sort" into "QuickSort" for generated class names.
func titleCase(name string) string {
	var sb strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(part[:1]))
		sb.WriteString(part[1:])
	}
	return sb.String()
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// templateGenericTests emits file-existence smoke tests.
func templateGenericTests(filePaths []string) string {
	var checks strings.Builder
	for i, fp := range filePaths {
		if i >= 3 {
			break
		}
		base := path.Base(strings.ReplaceAll(fp, "\\", "/"))
		safe := unsafeNameRe.ReplaceAllString(base, "_")
		fmt.Fprintf(&checks, `
    def test_%s_exists(self):
        """Test that %s exists."""
        import glob
        matches = glob.glob("**/%s", recursive=True)
        assert len(matches) > 0, "%s not found"
`, safe, base, base, base)
	}

	return fmt.Sprintf(`import pytest
import os


class TestGeneratedCode:
    """Auto-generated smoke tests."""
%s
    def test_workspace_not_empty(self):
        """Test that workspace has files."""
        files = os.listdir(".")
        assert len(files) > 0, "Workspace is empty"
`, checks.String())
}
