// Package continuation implements the opaque cursor used by paginated
// listings. A token carries the last-seen sort key of the previous page and,
// for listings scoped to one aggregate, the aggregate version the iteration
// started at so mid-iteration mutations can be detected.
package continuation

import (
	"encoding/base64"
	"encoding/json"

	dErrors "regledger/pkg/domain-errors"
)

// Token is the decoded form of a continuation cursor.
type Token struct {
	// ResumeKey is the sort key of the last item on the previous page.
	// Listings resume strictly after it, ascending.
	ResumeKey string `json:"k"`
	// Version is the aggregate version the first page was served at.
	// Zero for listings that are not scoped to one aggregate.
	Version int64 `json:"v,omitempty"`
}

// Encode serialises the token into its opaque wire form.
func Encode(t Token) string {
	// Marshalling a flat struct of string and int64 cannot fail.
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses an opaque token. An empty string decodes to the zero token
// (start from the beginning). A malformed token is rejected with
// CodeBadRequest rather than being silently treated as absent, so callers can
// distinguish "first page" from "garbage cursor".
func Decode(s string) (Token, error) {
	if s == "" {
		return Token{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, dErrors.New(dErrors.CodeBadRequest, "malformed continuation token")
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, dErrors.New(dErrors.CodeBadRequest, "malformed continuation token")
	}
	return t, nil
}
