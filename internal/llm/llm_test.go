package llm

import (
	"context"
	"testing"

	xerrors "OpenMCP-Relay/internal/errors"
)

type staticClient struct{ text string }

func (s staticClient) Generate(context.Context, Request) (*Response, error) {
	return &Response{Text: s.text}, nil
}

func TestProvidersDispatchByName(t *testing.T) {
	p := NewProviders("openai")
	p.Register("openai", staticClient{text: "a"})
	p.Register("Python", staticClient{text: "b"})

	cases := []struct {
		provider string
		want     string
	}{
		{"", "a"},
		{"OpenAI", "a"},
		{"python", "b"},
	}
	for _, tc := range cases {
		resp, err := p.Generate(context.Background(), Request{Model: Model{Provider: tc.provider}})
		if err != nil {
			t.Fatalf("provider %q: %v", tc.provider, err)
		}
		if resp.Text != tc.want {
			t.Fatalf("provider %q: got %q", tc.provider, resp.Text)
		}
	}

	_, err := p.Generate(context.Background(), Request{Model: Model{Provider: "missing"}})
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected CONFIGURATION, got %v", err)
	}
}
