package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedOutput marks a model reply that is not exactly the JSON shape
// asked for. Callers treat it as a stage failure, never as partial data.
var ErrMalformedOutput = errors.New("malformed model output")

// DecodeStrict decodes a model reply into out. Markdown code fences around the
// object are tolerated; unknown fields and trailing content are not.
func DecodeStrict(raw string, out interface{}) error {
	body := stripFences(raw)
	if body == "" {
		return fmt.Errorf("%w: empty reply", ErrMalformedOutput)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON object", ErrMalformedOutput)
	}
	return nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the info string, e.g. ```json
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
