package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinchtab/postbridge/internal/config"
)

// apiClient talks to a running server. POSTBRIDGE_URL overrides the address
// derived from the config.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg *config.RuntimeConfig, timeout time.Duration) *apiClient {
	base := fmt.Sprintf("http://%s:%s", cfg.Bind, cfg.Port)
	if env := os.Getenv("POSTBRIDGE_URL"); env != "" {
		base = strings.TrimRight(env, "/")
	}
	return &apiClient{base: base, token: cfg.Token, http: &http.Client{Timeout: timeout}}
}

// do sends the request and returns the response body. Status codes of 400
// and above become errors carrying the body.
func (c *apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("%d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func printBody(w io.Writer, body []byte) {
	var buf bytes.Buffer
	if json.Indent(&buf, body, "", "  ") == nil {
		fmt.Fprintln(w, buf.String())
	} else {
		fmt.Fprintln(w, string(body))
	}
}

type clientCall struct {
	use, short, method, path string
	args                     int
}

// newClientCmds builds the commands that forward to a running server.
func newClientCmds(cfg func() *config.RuntimeConfig) []*cobra.Command {
	calls := []clientCall{
		{"health", "Server health", "GET", "/health", 0},
		{"sessions", "List live browser sessions", "GET", "/sessions", 0},
		{"login <account>", "Log an account in", "POST", "/accounts/%s/login", 1},
		{"status <account>", "Show an account's session status", "GET", "/accounts/%s/status", 1},
		{"check <account>", "Probe an account's session", "GET", "/accounts/%s/health", 1},
		{"logout <account>", "Delete an account's saved session", "DELETE", "/accounts/%s/session", 1},
		{"preview-test <account>", "Stream a test page to preview viewers", "POST", "/accounts/%s/preview/test", 1},
	}

	cmds := make([]*cobra.Command, 0, len(calls)+1)
	for _, call := range calls {
		var timeout time.Duration
		c := &cobra.Command{
			Use:   call.use,
			Short: call.short,
			Args:  cobra.ExactArgs(call.args),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := call.path
				if call.args == 1 {
					path = fmt.Sprintf(call.path, url.PathEscape(args[0]))
				}
				body, err := newAPIClient(cfg(), timeout).do(cmd.Context(), call.method, path, nil)
				if err != nil {
					return err
				}
				printBody(cmd.OutOrStdout(), body)
				return nil
			},
		}
		c.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "Request timeout")
		cmds = append(cmds, c)
	}
	return append(cmds, newPostCmd(cfg))
}

func newPostCmd(cfg func() *config.RuntimeConfig) *cobra.Command {
	var (
		content string
		media   []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "post <account>",
		Short: "Publish a post through a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(content) == "" && len(media) == 0 {
				return fmt.Errorf("--message or --media is required")
			}
			req := map[string]any{"content": content, "mediaPaths": media}
			body, err := newAPIClient(cfg(), timeout).do(cmd.Context(), "POST", "/accounts/"+url.PathEscape(args[0])+"/posts", req)
			if err != nil {
				return err
			}
			printBody(cmd.OutOrStdout(), body)
			var res struct {
				Success bool `json:"success"`
			}
			if json.Unmarshal(body, &res) == nil && !res.Success {
				return fmt.Errorf("post failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&content, "message", "m", "", "Post text")
	cmd.Flags().StringSliceVar(&media, "media", nil, "Media file paths, relative to the media dir")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "Request timeout")
	return cmd
}
