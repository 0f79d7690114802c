package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies failures reported by either directory.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindPermission         Kind = "permission"
	KindServiceUnavailable Kind = "service_unavailable"
	KindUnknownUpstream    Kind = "unknown_upstream"
)

// Error is a classified directory failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the kind of err, or KindUnknownUpstream when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknownUpstream
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// NewValidationError reports input rejected before it reaches a directory.
func NewValidationError(field, code string) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Message: "validation failed"}
}

// Unavailable wraps a transport or token failure.
func Unavailable(op string, err error) *Error {
	msg := op + " unavailable"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Error{Kind: KindServiceUnavailable, Code: "External_Service_Unavailable", Message: msg}
}

// PhraseTableVersion identifies the phrase table below. Bump it whenever a
// phrase is added or reworded upstream.
const PhraseTableVersion = 1

type phraseRule struct {
	phrase string
	kind   Kind
	field  string
	code   string
}

// Compatibility shim for upstream responses that carry no structured code.
// The first matching phrase wins.
var phraseTable = []phraseRule{
	{"too common", KindValidation, "Password", "Password_Is_Too_Common"},
	{"User with e-mail", KindConflict, "Email", "Access_UserWithTheSameEmailExists"},
	{"Enter a valid email address.", KindValidation, "Email", "Access_UserEmailIncorrect"},
	{"A user with that username already exists.", KindConflict, "Username", "Access_UserWithTheSameUsernameExists"},
	{"No permission to update this user", KindPermission, "", "No_Permission_To_Update_This_User"},
}

// Structured codes take precedence over phrase matching when the upstream
// body carries one.
var codeTable = map[string]Kind{
	"password_too_common": KindValidation,
	"password_invalid":    KindValidation,
	"invalid_email":       KindValidation,
	"email_exists":        KindConflict,
	"username_exists":     KindConflict,
	"permission_denied":   KindPermission,
}

// Classify turns a non-success upstream response into an *Error.
func Classify(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))

	var structured struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(body, &structured) == nil && structured.Code != "" {
		if kind, ok := codeTable[structured.Code]; ok {
			return &Error{Kind: kind, Code: structured.Code, Status: status, Message: msg}
		}
	}

	for _, rule := range phraseTable {
		if strings.Contains(msg, rule.phrase) {
			return &Error{Kind: rule.kind, Code: rule.code, Field: rule.field, Status: status, Message: msg}
		}
	}

	switch status {
	case http.StatusForbidden:
		return &Error{Kind: KindPermission, Code: "Forbidden", Status: status, Message: msg}
	case http.StatusConflict:
		return &Error{Kind: KindConflict, Code: "Conflict", Status: status, Message: msg}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Kind: KindServiceUnavailable, Code: "External_Service_Unavailable", Status: status, Message: msg}
	}
	return &Error{Kind: KindUnknownUpstream, Code: "External_Service_Unknown_Exception", Status: status, Message: msg}
}
