package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ClaudeCLI runs the claude binary in print mode and returns the result field of its JSON output.
type ClaudeCLI struct {
	Bin     string
	Timeout time.Duration
}

type claudeResult struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

func (c ClaudeCLI) Generate(ctx context.Context, req Request) (Response, error) {
	contract, err := Instructions(req.Schema)
	if err != nil {
		return Response{}, err
	}
	prompt := strings.Join([]string{strings.TrimSpace(req.System), contract, req.Context}, "\n\n")

	bin := c.Bin
	if bin == "" {
		bin = "claude"
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, "-p", "--output-format", "json", prompt)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("claude execution failed: %w", err)
	}
	var res claudeResult
	if err := json.Unmarshal(out, &res); err != nil {
		// older CLIs print the bare result
		return Response{Content: string(out)}, nil
	}
	if res.IsError {
		return Response{}, fmt.Errorf("claude returned error: %s", res.Result)
	}
	return Response{Content: res.Result}, nil
}
