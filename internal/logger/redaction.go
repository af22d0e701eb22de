package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials before they reach a log sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor returns a redactor loaded with patterns for provider API keys,
// bearer tokens and key/value secrets.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic first so the key is masked as a whole.
			regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{16,}`),
			regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_-]{16,}`),
			regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`),
			regexp.MustCompile(`(?i)x-api-key["']?\s*[:=]\s*["']?[^\s"',}]+`),
			regexp.MustCompile(`(?i)"?api_key"?\s*[:=]\s*"[^"]+"`),
			regexp.MustCompile(`(?i)(?:password|secret)["']?\s*[:=]\s*["']?[^\s"',}]+`),
		},
	}
}

// AddPattern registers an extra expression to mask.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact returns s with every match replaced.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts each write before forwarding it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{next: w, r: r}
}

type redactingWriter struct {
	next io.Writer
	r    *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.next.Write([]byte(w.r.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
