// ABOUTME: Tool results: text and image content items plus an optional step trace.
// ABOUTME: Error results carry the fault code of the failure.

package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/pilot-gateway/internal/fault"
)

// Content types.
const (
	ContentText  = "text"
	ContentImage = "image"
)

// Content is one item of tool output.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// Step outcomes.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Step is one entry of a saga's trace.
type Step struct {
	Name       string `json:"name"`
	DurationMS int64  `json:"duration_ms"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// Result is the outcome of one tool call.
type Result struct {
	CallID  string     `json:"call_id,omitempty"`
	Tool    string     `json:"tool"`
	IsError bool       `json:"is_error,omitempty"`
	Code    fault.Code `json:"code,omitempty"`
	Content []Content  `json:"content"`
	Data    any        `json:"data,omitempty"`
	Steps   []Step     `json:"steps,omitempty"`
}

// Text returns the concatenated text content.
func (r *Result) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type != ContentText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// Images returns the image content items.
func (r *Result) Images() []Content {
	var out []Content
	for _, c := range r.Content {
		if c.Type == ContentImage {
			out = append(out, c)
		}
	}
	return out
}

// JSON marshals the result for the upstream tool_result payload.
func (r *Result) JSON() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		// Data holds only plain structs and maps.
		return json.RawMessage(fmt.Sprintf(`{"tool":%q,"is_error":true,"code":%q}`, r.Tool, fault.CodeInternal))
	}
	return data
}

func textResult(format string, args ...any) *Result {
	return &Result{Content: []Content{{Type: ContentText, Text: fmt.Sprintf(format, args...)}}}
}

func (r *Result) withData(v any) *Result {
	r.Data = v
	return r
}

func (r *Result) withImage(data []byte, mime string) *Result {
	r.Content = append(r.Content, Content{Type: ContentImage, Data: data, MIMEType: mime})
	return r
}

// fail turns err into an error result, keeping any content and steps res
// already holds.
func fail(res *Result, err error) *Result {
	if res == nil {
		res = &Result{}
	}
	res.IsError = true
	res.Code = fault.CodeOf(err)
	res.Content = append(res.Content, Content{Type: ContentText, Text: err.Error()})
	return res
}

func since(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}
