// Package webhook defines the callbacks a sandbox sends and parses them strictly.
// Each payload family is a closed set: an unexported marker method keeps
// other packages from adding variants.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"spriteboard/internal/domain"
)

// ErrInvalidPayload wraps every parse failure.
var ErrInvalidPayload = errors.New("invalid webhook payload")

const (
	TypeStarted         = "started"
	TypeTaskLoopStarted = "task_loop_started"
	TypeProgress        = "progress"
	TypeCompleted       = "completed"
	TypeError           = "error"
	TypeQuestion        = "question"
)

// ManifestPayload is one of ManifestStarted, TaskLoopStarted, ManifestProgress,
// ManifestCompleted, ManifestError.
type ManifestPayload interface {
	manifestPayload()
	Type() string
}

type ManifestStarted struct {
	Message string `json:"message,omitempty"`
}

type TaskLoopStarted struct {
	Branch string `json:"branch,omitempty"`
}

type ManifestProgress struct {
	PRDJSON string     `json:"prdJson"`
	Message string     `json:"message,omitempty"`
	PRD     domain.PRD `json:"-"`
}

type ManifestCompleted struct {
	PRDJSON string     `json:"prdJson"`
	Branch  string     `json:"branch,omitempty"`
	PRURL   string     `json:"prUrl,omitempty"`
	PRD     domain.PRD `json:"-"`
}

type ManifestError struct {
	Error string `json:"error"`
	Log   string `json:"log,omitempty"`
}

func (ManifestStarted) manifestPayload()   {}
func (TaskLoopStarted) manifestPayload()   {}
func (ManifestProgress) manifestPayload()  {}
func (ManifestCompleted) manifestPayload() {}
func (ManifestError) manifestPayload()     {}

func (ManifestStarted) Type() string   { return TypeStarted }
func (TaskLoopStarted) Type() string   { return TypeTaskLoopStarted }
func (ManifestProgress) Type() string  { return TypeProgress }
func (ManifestCompleted) Type() string { return TypeCompleted }
func (ManifestError) Type() string     { return TypeError }

// InvocationPayload is one of InvocationStarted, InvocationProgress,
// InvocationCompleted, InvocationError, InvocationQuestion.
type InvocationPayload interface {
	invocationPayload()
	Type() string
}

type InvocationStarted struct {
	SessionID string `json:"sessionId,omitempty"`
}

type InvocationProgress struct {
	MessageCount int   `json:"messageCount"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

type InvocationCompleted struct {
	Branch  string `json:"branch,omitempty"`
	PRURL   string `json:"prUrl,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type InvocationError struct {
	Error string `json:"error"`
	Log   string `json:"log,omitempty"`
}

type InvocationQuestion struct {
	Question string `json:"question"`
}

func (InvocationStarted) invocationPayload()   {}
func (InvocationProgress) invocationPayload()  {}
func (InvocationCompleted) invocationPayload() {}
func (InvocationError) invocationPayload()     {}
func (InvocationQuestion) invocationPayload()  {}

func (InvocationStarted) Type() string   { return TypeStarted }
func (InvocationProgress) Type() string  { return TypeProgress }
func (InvocationCompleted) Type() string { return TypeCompleted }
func (InvocationError) Type() string     { return TypeError }
func (InvocationQuestion) Type() string  { return TypeQuestion }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// envelope splits the discriminator from the variant fields.
func envelope(body []byte) (string, []byte, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&fields); err != nil {
		return "", nil, invalid("body is not a json object")
	}
	if dec.More() {
		return "", nil, invalid("trailing data after object")
	}
	raw, ok := fields["type"]
	if !ok {
		return "", nil, invalid("type is required")
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil || typ == "" {
		return "", nil, invalid("type must be a non-empty string")
	}
	delete(fields, "type")
	rest, err := json.Marshal(fields)
	if err != nil {
		return "", nil, invalid("re-encode: %v", err)
	}
	return typ, rest, nil
}

// decodeStrict decodes into v, rejecting unknown fields and checking required ones.
func decodeStrict(typ string, data []byte, v any, required ...string) error {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return invalid("%s: %v", typ, err)
	}
	for _, name := range required {
		raw, ok := present[name]
		if !ok || string(raw) == "null" {
			return invalid("%s: %s is required", typ, name)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("%s: %v", typ, err)
	}
	return nil
}

func parsePRD(typ, doc string) (domain.PRD, error) {
	if strings.TrimSpace(doc) == "" {
		return domain.PRD{}, invalid("%s: prdJson is empty", typ)
	}
	prd, err := domain.ParsePRD([]byte(doc))
	if err != nil {
		return domain.PRD{}, invalid("%s: %v", typ, err)
	}
	return prd, nil
}

// ParseManifest decodes a manifest callback body into exactly one variant.
func ParseManifest(body []byte) (ManifestPayload, error) {
	typ, rest, err := envelope(body)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeStarted:
		var p ManifestStarted
		if err := decodeStrict(typ, rest, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeTaskLoopStarted:
		var p TaskLoopStarted
		if err := decodeStrict(typ, rest, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeProgress:
		var p ManifestProgress
		if err := decodeStrict(typ, rest, &p, "prdJson"); err != nil {
			return nil, err
		}
		if p.PRD, err = parsePRD(typ, p.PRDJSON); err != nil {
			return nil, err
		}
		return p, nil
	case TypeCompleted:
		var p ManifestCompleted
		if err := decodeStrict(typ, rest, &p, "prdJson"); err != nil {
			return nil, err
		}
		if p.PRD, err = parsePRD(typ, p.PRDJSON); err != nil {
			return nil, err
		}
		return p, nil
	case TypeError:
		var p ManifestError
		if err := decodeStrict(typ, rest, &p, "error"); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, invalid("unknown manifest payload type %q", typ)
	}
}

// ParseInvocation decodes a task callback body into exactly one variant.
func ParseInvocation(body []byte) (InvocationPayload, error) {
	typ, rest, err := envelope(body)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeStarted:
		var p InvocationStarted
		if err := decodeStrict(typ, rest, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeProgress:
		var p InvocationProgress
		if err := decodeStrict(typ, rest, &p, "messageCount", "inputTokens", "outputTokens"); err != nil {
			return nil, err
		}
		if p.MessageCount < 0 || p.InputTokens < 0 || p.OutputTokens < 0 {
			return nil, invalid("progress: counters must not be negative")
		}
		return p, nil
	case TypeCompleted:
		var p InvocationCompleted
		if err := decodeStrict(typ, rest, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeError:
		var p InvocationError
		if err := decodeStrict(typ, rest, &p, "error"); err != nil {
			return nil, err
		}
		return p, nil
	case TypeQuestion:
		var p InvocationQuestion
		if err := decodeStrict(typ, rest, &p, "question"); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Question) == "" {
			return nil, invalid("question: question is empty")
		}
		return p, nil
	default:
		return nil, invalid("unknown invocation payload type %q", typ)
	}
}

// Marshal renders a payload with its type discriminator, as a sandbox would send it.
func Marshal(p interface{ Type() string }) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(p.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}
