package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/shiv248/coedit/pkg/document"
	"github.com/shiv248/coedit/pkg/storage"
)

// errWrongPassword is returned by Coordinator.SetPassword when the supplied
// current password does not match the document's stored hash.
var errWrongPassword = errors.New("server: invalid current password")

// extractPasswordFromHeaders pulls a password out of an HTTP Basic
// Authorization header, accepting it only when the Basic user matches slug.
func extractPasswordFromHeaders(headers http.Header, slug string) (string, bool) {
	value := strings.TrimSpace(headers.Get("Authorization"))
	if value == "" {
		return "", false
	}
	scheme, payload, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "basic") {
		return "", false
	}
	user, pass, ok := parseBasicPayload(payload)
	if !ok || user != slug {
		return "", false
	}
	return pass, true
}

// extractPasswordFromToken decodes a raw base64 "user:pass" token, accepting
// it only when the encoded user matches slug. Used for the query-string
// ?token= compat path.
func extractPasswordFromToken(token, slug string) (string, bool) {
	user, pass, ok := parseBasicPayload(token)
	if !ok || user != slug {
		return "", false
	}
	return pass, true
}

func parseBasicPayload(encoded string) (user, pass string, ok bool) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return string(decoded), "", true
	}
	return user, pass, true
}

// isAuthorized reports whether provided satisfies doc's password
// requirement. A document with no password hash accepts anything.
func isAuthorized(doc *document.Doc, provided string, providedOK bool) bool {
	if doc.PasswordHash == nil {
		return true
	}
	if !providedOK {
		return false
	}
	return storage.HashPassword(provided) == *doc.PasswordHash
}
