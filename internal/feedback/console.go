package feedback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"forgeline/internal/domain"
	"forgeline/internal/ui"
)

// Console shows the artifact and automated critique on the terminal and reads the review
// through a huh form.
type Console struct {
	Out io.Writer
}

func (c Console) Collect(ctx context.Context, req Request) (string, error) {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintln(out, ui.Header(fmt.Sprintf("Human review required: %s (workflow %s)", req.Stage, req.WorkflowID)))
	fmt.Fprintln(out, ui.RenderMarkdown(req.Artifact))
	if req.Automated != "" {
		fmt.Fprintln(out, ui.Header("Automated review"))
		fmt.Fprintln(out, ui.RenderMarkdown(req.Automated))
	}

	var response string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title(req.Prompt).
				Description("Describe the changes you want, or type Accepted. Leave empty to skip.").
				CharLimit(10000).
				Value(&response),
		),
	).WithTheme(huh.ThemeDracula()).
		WithAccessible(!term.IsTerminal(int(os.Stdin.Fd())))

	if err := form.RunWithContext(ctx); err != nil {
		switch {
		case errors.Is(err, huh.ErrUserAborted):
			return "", fmt.Errorf("%w: review aborted", domain.ErrHumanInputCancelled)
		case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, huh.ErrTimeout):
			return "", fmt.Errorf("%w: %s", domain.ErrHumanInputTimeout, req.Stage)
		case errors.Is(ctx.Err(), context.Canceled):
			return "", fmt.Errorf("%w: %v", domain.ErrHumanInputCancelled, ctx.Err())
		}
		return "", fmt.Errorf("review form: %w", err)
	}
	return response, nil
}
