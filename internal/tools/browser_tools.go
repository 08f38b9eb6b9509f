// ABOUTME: Browser tools forwarded to the browser backend as MCP tools/call requests.
// ABOUTME: Text and image content from the backend pass through unchanged.

package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/2389/pilot-gateway/internal/fault"
)

type navigateArgs struct {
	URL string `json:"url" jsonschema:"absolute http or https URL to open"`
}

func (a *navigateArgs) Validate() error {
	u, err := url.Parse(a.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be http or https", a.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", a.URL)
	}
	return nil
}

type browserScreenshotArgs struct {
	FullPage bool `json:"full_page,omitempty" jsonschema:"capture the whole page instead of the viewport"`
}

type selectorArgs struct {
	Selector string `json:"selector,omitempty" jsonschema:"CSS selector, the whole page when empty"`
}

type evaluateArgs struct {
	Script string `json:"script" jsonschema:"JavaScript to evaluate in the page"`
}

func (a *evaluateArgs) Validate() error {
	if a.Script == "" {
		return errors.New("script is required")
	}
	return nil
}

func browserTools() []Tool {
	return []Tool{
		Spec[navigateArgs]{
			Name:        "browser_navigate",
			Description: "Open a URL in the browser.",
			Class:       ClassBrowser,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a navigateArgs) (*Result, error) {
				return forward(ctx, env, "browser_navigate", map[string]any{"url": a.URL})
			},
		},
		Spec[browserScreenshotArgs]{
			Name:        "browser_screenshot",
			Description: "Capture the current page.",
			Class:       ClassBrowser,
			Handler: func(ctx context.Context, env *Env, a browserScreenshotArgs) (*Result, error) {
				args := map[string]any{}
				if a.FullPage {
					args["full_page"] = true
				}
				return forward(ctx, env, "browser_screenshot", args)
			},
		},
		Spec[selectorArgs]{
			Name:        "browser_get_text",
			Description: "Return the visible text of the page or of the elements matching a selector.",
			Class:       ClassBrowser,
			Handler: func(ctx context.Context, env *Env, a selectorArgs) (*Result, error) {
				return forward(ctx, env, "browser_get_text", selectorParams(a))
			},
		},
		Spec[selectorArgs]{
			Name:        "browser_get_elements",
			Description: "List interactive elements of the page or those matching a selector.",
			Class:       ClassBrowser,
			Handler: func(ctx context.Context, env *Env, a selectorArgs) (*Result, error) {
				return forward(ctx, env, "browser_get_elements", selectorParams(a))
			},
		},
		Spec[evaluateArgs]{
			Name:        "browser_evaluate",
			Description: "Evaluate JavaScript in the page and return the result.",
			Class:       ClassBrowser,
			SideEffects: true,
			Handler: func(ctx context.Context, env *Env, a evaluateArgs) (*Result, error) {
				return forward(ctx, env, "browser_evaluate", map[string]any{"script": a.Script})
			},
		},
	}
}

func selectorParams(a selectorArgs) map[string]any {
	if a.Selector == "" {
		return map[string]any{}
	}
	return map[string]any{"selector": a.Selector}
}

// forward calls the backend tool of the same name. A tool-level error from
// the backend becomes a tool_execution_failed result with its content kept.
func forward(ctx context.Context, env *Env, name string, args map[string]any) (*Result, error) {
	if env.Browser == nil {
		return nil, fmt.Errorf("%w: no browser backend configured", fault.ErrToolExecutionFailed)
	}
	br, err := env.Browser.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if br.Text != "" {
		res.Content = append(res.Content, Content{Type: ContentText, Text: br.Text})
	}
	for _, img := range br.Images {
		res.withImage(img.Data, img.MIMEType)
	}
	if br.IsError {
		res.IsError = true
		res.Code = fault.CodeToolExecutionFailed
	}
	return res, nil
}
