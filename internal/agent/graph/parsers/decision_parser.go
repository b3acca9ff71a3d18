package parsers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	"github.com/nextseek-chat/server/internal/agent/model"
	errx "github.com/nextseek-chat/server/internal/core/error"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 256 * 1024 // 256KB
	maxErrSnippet = 200        // limit error snippet size
)

// ErrNoObject is returned when a model reply contains no JSON object.
var ErrNoObject = errors.New("no json object in reply")

// ParseObject extracts the JSON object from a model reply. Code fences and
// surrounding prose are ignored and malformed JSON is repaired when possible.
func ParseObject(content string) (obj map[string]any, err error) {
	// panic safety
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "decision_parser").Msgf("panic recovered: %v", r)
			err = errx.New(fmt.Errorf("decision parser panic"), http.StatusInternalServerError, errx.SystemErrorMessage)
			obj = nil
		}
	}()

	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "decision_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:maxContentLen]
	}
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "")
	}

	body := extractObject(content)
	if body == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoObject, safeSnippet(content))
	}

	if err := json.Unmarshal([]byte(body), &obj); err == nil {
		return obj, nil
	}
	repaired, rerr := jsonrepair.JSONRepair(body)
	if rerr != nil {
		return nil, fmt.Errorf("repair decision json: %w (content: %s)", rerr, safeSnippet(body))
	}
	obj = nil
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, fmt.Errorf("decode decision json: %w (content: %s)", err, safeSnippet(repaired))
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoObject, safeSnippet(content))
	}
	return obj, nil
}

// Parse decodes a model reply into out. Unknown keys are dropped and scalar
// values are coerced onto the declared field types.
func Parse(content string, out any) error {
	obj, err := ParseObject(content)
	if err != nil {
		return err
	}
	if err := model.DecodeLoose(obj, out); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}
	return nil
}

// extractObject returns the text from the first '{' to its matching '}', or
// to the end of the reply when the object was cut off.
func extractObject(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if strings.Contains(rest, "{") {
			s = strings.TrimSpace(rest)
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	cut := maxErrSnippet
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
