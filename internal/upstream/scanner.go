package upstream

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pocketomega/codemode-bridge/internal/logging"
)

var scannerLog = logging.For("upstream.scanner")

// ScanSeverity indicates how serious a scanner finding is.
type ScanSeverity string

const (
	SeverityCritical ScanSeverity = "critical"
	SeverityWarn     ScanSeverity = "warn"
)

// ScanFinding is a single security issue found while scanning a
// newly-configured upstream server's launch script before connecting to it.
type ScanFinding struct {
	Rule     string
	Severity ScanSeverity
	Line     int
	Snippet  string
}

type lineRule struct {
	name     string
	severity ScanSeverity
	pattern  *regexp.Regexp
}

type sourceRule struct {
	name           string
	severity       ScanSeverity
	pattern        *regexp.Regexp
	contextPattern *regexp.Regexp
}

// lineRules generalize the teacher's Python-only scanner to the broader set
// of script languages a stdio upstream server's command/args might launch
// (python, node, shell). stdin/stdout access is intentionally not flagged:
// it is how every stdio MCP server legitimately communicates.
var lineRules = []lineRule{
	{
		name:     "dangerous-exec",
		severity: SeverityCritical,
		pattern:  regexp.MustCompile(`\b(subprocess\.|os\.system\s*\(|os\.popen\s*\(|child_process\.(exec|execSync|spawn)\s*\(|require\s*\(\s*['"]child_process['"]\s*\)|Runtime\.getRuntime\(\)\.exec)`),
	},
	{
		name:     "dynamic-code",
		severity: SeverityCritical,
		pattern:  regexp.MustCompile(`\b(exec|eval|compile)\s*\(|\bnew Function\s*\(`),
	},
	{
		name:     "dynamic-import",
		severity: SeverityCritical,
		pattern:  regexp.MustCompile(`\b(__import__|importlib\.import_module)\s*\(|\brequire\s*\(\s*[a-zA-Z_$]`),
	},
}

var sourceRules = []sourceRule{
	{
		name:           "env-harvesting",
		severity:       SeverityCritical,
		pattern:        regexp.MustCompile(`\b(os\.environ|process\.env)\b`),
		contextPattern: regexp.MustCompile(`\b(requests\.|urllib\.|httpx\.|socket\.connect|aiohttp\.|https?\.request|fetch\()`),
	},
	{
		name:           "potential-exfil",
		severity:       SeverityWarn,
		pattern:        regexp.MustCompile(`\bopen\s*\([^)]*['"rb]|fs\.readFile`),
		contextPattern: regexp.MustCompile(`\b(requests\.|urllib\.|httpx\.|socket\.connect|aiohttp\.|https?\.request|fetch\()`),
	},
	{
		name:           "obfuscated-code",
		severity:       SeverityWarn,
		pattern:        regexp.MustCompile(`\bbase64\b`),
		contextPattern: regexp.MustCompile(`\b(exec|eval)\s*\(`),
	},
}

// scannableExtensions are the launch-script file types the scanner reads
// source for. Compiled binaries and unknown extensions are not scanned
// (nothing readable as text to match against).
var scannableExtensions = []string{".py", ".js", ".mjs", ".ts", ".sh"}

// ScanScript statically scans a script file referenced by a stdio server's
// command or args before the bridge connects to it. Files whose extension
// is not in scannableExtensions return (nil, nil): not every legitimate
// stdio server is a readable script (e.g. a compiled Go binary).
func ScanScript(filePath string) ([]ScanFinding, error) {
	matched := false
	for _, ext := range scannableExtensions {
		if strings.HasSuffix(filePath, ext) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("scanner: read %q: %w", filePath, err)
	}
	source := string(data)
	var findings []ScanFinding

	scanner := bufio.NewScanner(strings.NewReader(source))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "#") || strings.HasPrefix(stripped, "//") {
			continue
		}
		for _, rule := range lineRules {
			if rule.pattern.MatchString(line) {
				findings = append(findings, ScanFinding{Rule: rule.name, Severity: rule.severity, Line: lineNum, Snippet: stripped})
			}
		}
	}

	for _, rule := range sourceRules {
		if !rule.pattern.MatchString(source) {
			continue
		}
		if rule.contextPattern != nil && !rule.contextPattern.MatchString(source) {
			continue
		}
		findings = append(findings, ScanFinding{Rule: rule.name, Severity: rule.severity, Line: 0, Snippet: "(full-source match)"})
	}

	return findings, nil
}

// HasCritical reports whether any finding is critical severity.
func HasCritical(findings []ScanFinding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// LogFindings logs every finding for a server at warn level.
func LogFindings(serverName string, findings []ScanFinding) {
	for _, f := range findings {
		ev := scannerLog.Warn().Str("server", serverName).Str("rule", f.Rule).Str("severity", string(f.Severity))
		if f.Line > 0 {
			ev = ev.Int("line", f.Line)
		}
		ev.Msg(f.Snippet)
	}
}

// findScriptArg returns the first launch-script-looking argument in a
// ServerConfig, checking the command itself and then each argument.
func findScriptArg(cfg ServerConfig) string {
	candidates := append([]string{cfg.Command}, cfg.Args...)
	for _, c := range candidates {
		for _, ext := range scannableExtensions {
			if strings.HasSuffix(c, ext) {
				return c
			}
		}
	}
	return ""
}
