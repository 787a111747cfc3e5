package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mobtestlab/devicepilot/pkg/models"
)

// testPhaseRe matches the line opening the spec template's test phase.
var testPhaseRe = regexp.MustCompile(`^(\s*)test:\s*$`)

// synthesizeTestSpec derives a per-run test spec from the base template:
// the job's selection parameters become environment exports inserted
// immediately before the template's test phase. The rest of the template
// is preserved byte-for-byte. Returns the path of the derived file.
func synthesizeTestSpec(templatePath, schedRef string, req models.RunRequest) (string, error) {
	template, err := os.ReadFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("failed to read test-spec template: %w", err)
	}

	lines := strings.Split(string(template), "\n")
	insertAt := -1
	indent := ""
	for i, line := range lines {
		if m := testPhaseRe.FindStringSubmatch(line); m != nil {
			insertAt = i
			indent = m[1]
			break
		}
	}
	if insertAt < 0 {
		return "", fmt.Errorf("test-spec template %s has no test phase", templatePath)
	}

	exports := selectionExports(req)
	for i := range exports {
		exports[i] = indent + exports[i]
	}
	derived := append(lines[:insertAt:insertAt], append(exports, lines[insertAt:]...)...)

	outPath := filepath.Join(os.TempDir(), schedRef+"-testspec.yml")
	if err := os.WriteFile(outPath, []byte(strings.Join(derived, "\n")), 0o644); err != nil {
		return "", fmt.Errorf("failed to write derived test spec: %w", err)
	}
	return outPath, nil
}

// selectionExports renders the request's selection parameters as shell
// exports the spec's test phase picks up.
func selectionExports(req models.RunRequest) []string {
	exports := []string{fmt.Sprintf("export MODE=%s", shellQuote(req.Mode))}
	if req.Spec != "" {
		exports = append(exports, fmt.Sprintf("export SPEC_FILE=%s", shellQuote(req.Spec)))
	}
	if req.TestCase != "" {
		exports = append(exports, fmt.Sprintf("export TEST_CASE=%s", shellQuote(req.TestCase)))
	}
	if req.Tag != "" {
		exports = append(exports, fmt.Sprintf("export TAG=%s", shellQuote(req.Tag)))
	}
	return exports
}

// shellQuote single-quotes a value for a POSIX shell export line.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
