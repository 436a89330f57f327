package store

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agentoven/brigade/pkg/models"
)

const (
	signatureLines     = 10
	snippetLength      = 600
	contextLength      = 200
	messageSigLength   = 160
	defaultPatternType = "script"
)

var (
	stringLit  = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
	numberLit  = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	hexAddr    = regexp.MustCompile(`0x[0-9a-f]+`)
	whitespace = regexp.MustCompile(`\s+`)
	callPath   = regexp.MustCompile(`([A-Za-z_]\w*(?:\.[A-Za-z_]\w*)+)\s*\(`)
)

// normalizePayload reduces a payload to its structural shape: the first
// significant lines with comments dropped and literals replaced.
func normalizePayload(payload string) []string {
	var out []string
	for _, line := range strings.Split(payload, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, "//") {
			continue
		}
		t = stringLit.ReplaceAllString(t, "S")
		t = numberLit.ReplaceAllString(t, "N")
		t = whitespace.ReplaceAllString(t, " ")
		out = append(out, t)
		if len(out) == signatureLines {
			break
		}
	}
	return out
}

// PayloadSignature returns a deterministic hash of the payload's shape.
// Payloads that differ only in literals, comments, or spacing share a
// signature.
func PayloadSignature(payload string) string {
	return shortHash(strings.Join(normalizePayload(payload), "\n"))
}

// PatternType classifies a payload by the receiver path of its first call,
// e.g. "bpy.ops.mesh" for bpy.ops.mesh.primitive_cube_add().
func PatternType(payload string) string {
	for _, line := range normalizePayload(payload) {
		m := callPath.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		path := m[1]
		return path[:strings.LastIndex(path, ".")]
	}
	return defaultPatternType
}

// ClassifyError maps an error kind and message to a stable error type.
func ClassifyError(kind, message string) string {
	m := strings.ToLower(message)
	switch {
	case kind == models.ErrorKindExecutionTimeout || kind == "timeout",
		strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return "timeout"
	case kind == models.ErrorKindEngineUnavailable:
		return "engine_unavailable"
	case kind == models.ErrorKindQueueFull:
		return "queue_full"
	case kind == "empty_response":
		return "empty_response"
	case strings.Contains(m, "syntaxerror"), strings.Contains(m, "syntax error"):
		return "syntax_error"
	case strings.Contains(m, "attributeerror"):
		return "attribute_error"
	case strings.Contains(m, "typeerror"):
		return "type_error"
	case strings.Contains(m, "nameerror"):
		return "name_error"
	case strings.Contains(m, "connection"), strings.Contains(m, "refused"):
		return "connection_error"
	case kind == "service_error":
		return "service_error"
	}
	return "unknown"
}

// MessageSignature generalizes an error message so recurrences with
// different names, numbers, or addresses collapse into one row.
func MessageSignature(message string) string {
	m := strings.ToLower(strings.TrimSpace(message))
	m = stringLit.ReplaceAllString(m, "S")
	m = hexAddr.ReplaceAllString(m, "ADDR")
	m = numberLit.ReplaceAllString(m, "N")
	m = whitespace.ReplaceAllString(m, " ")
	return truncate(m, messageSigLength)
}

func errorSignature(errorType, messageSig string) string {
	return shortHash(errorType + "|" + messageSig)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
