// Package redact implements the Orchestrator Kernel's redaction
// capability: a configured function the bus calls on every free-text or
// tool-bytes payload before it is persisted and fanned out, masking
// credential-shaped substrings.
package redact

import "regexp"

// Func masks credential-shaped substrings in b, returning the redacted
// bytes. The kernel only guarantees it is called; callers supply the
// actual pattern set.
type Func func(b []byte) []byte

// mask is substituted for any matched credential-shaped span.
const mask = "[REDACTED]"

// patterns catches the generic shapes spec.md names directly: long
// base64-looking runs, and key=value-style assignments whose key name
// suggests a secret.
var patterns = []*regexp.Regexp{
	// key=value / key: value assignments where key hints at a secret.
	regexp.MustCompile(`(?i)\b(api[_-]?key|key|secret|token|password|passwd|authorization|bearer)\b\s*[:=]\s*['"]?[A-Za-z0-9_\-\.\/+]{8,}['"]?`),
	// bearer-style tokens appearing without an explicit key name.
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9_\-\.]{10,}`),
	// long base64-alphabet runs, the generic "looks like a credential" heuristic.
	regexp.MustCompile(`\b[A-Za-z0-9+/]{32,}={0,2}\b`),
}

// Default is the kernel's built-in generic-credential-pattern redactor.
// It errs toward over-redaction: a false positive only costs log
// fidelity, a false negative leaks a credential.
func Default(b []byte) []byte {
	s := string(b)
	for _, p := range patterns {
		s = p.ReplaceAllString(s, mask)
	}
	return []byte(s)
}

// None performs no redaction. Useful for tests and for kernels running
// against already-sanitized sources.
func None(b []byte) []byte { return b }
