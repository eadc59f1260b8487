package activity

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// DefaultPatterns are the request lines vLLM and Ollama log for inference traffic.
var DefaultPatterns = []string{
	"POST /v1/chat/completions",
	"POST /v1/completions",
	"POST /v1/embeddings",
	"GET /v1/models",
	"POST /api/generate",
	"POST /api/chat",
	"POST /api/embed",
}

// maxLineBytes bounds a single log line; vLLM can log long prompts on one line.
const maxLineBytes = 1 << 20

// Matcher recognizes inference-request log lines.
type Matcher struct {
	re *regexp.Regexp
}

// NewMatcher builds a Matcher from literal request lines such as "POST /v1/chat/completions".
// When expr is non-empty it is compiled as a regular expression and patterns are ignored.
func NewMatcher(patterns []string, expr string) (*Matcher, error) {
	if strings.TrimSpace(expr) != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile activity regex: %w", err)
		}
		return &Matcher{re: re}, nil
	}
	exprs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		exprs = append(exprs, literalExpr(p))
	}
	if len(exprs) == 0 {
		return nil, errors.New("at least one activity pattern is required")
	}
	return &Matcher{re: regexp.MustCompile(strings.Join(exprs, "|"))}, nil
}

// literalExpr turns "METHOD /path" into an expression that tolerates the padding and
// quoting used by both uvicorn ("POST /v1/x HTTP/1.1") and gin (POST     "/api/x").
func literalExpr(p string) string {
	method, path, ok := strings.Cut(p, " ")
	if !ok {
		return regexp.QuoteMeta(p)
	}
	return regexp.QuoteMeta(method) + `\s+"?` + regexp.QuoteMeta(strings.TrimSpace(path))
}

// Match reports whether a single line is an inference request.
func (m *Matcher) Match(line string) bool { return m.re.MatchString(line) }

// Scan reads r line by line and stops at the first match.
// A read error after a match still reports the match.
func (m *Matcher) Scan(r io.Reader) (bool, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		if m.re.Match(sc.Bytes()) {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (m *Matcher) String() string { return m.re.String() }
