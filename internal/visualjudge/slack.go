package visualjudge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	goslack "github.com/slack-go/slack"
)

// SlackReporter posts a structured parity-check result to a Slack channel
// and attaches both screenshots when they exist on disk. Grounded on the
// original's SlackClient (adws/adw_modules/slack_client.py): send_message
// for the text summary, upload_file's 3-step external-upload flow for each
// screenshot, adapted here onto github.com/slack-go/slack's
// PostMessageContext/UploadFileV2Context.
type SlackReporter struct {
	api *goslack.Client
}

// NewSlackReporter returns nil when token is empty, so callers can wire it
// unconditionally and let a missing SLACK_BOT_TOKEN simply disable Slack
// reporting rather than erroring.
func NewSlackReporter(token string) *SlackReporter {
	if token == "" {
		return nil
	}
	return &SlackReporter{api: goslack.New(token)}
}

// PostParityResult sends a text summary of result to channel, then attempts
// to attach the live and dev screenshots if they exist at the given paths;
// a missing screenshot is skipped rather than treated as an error, per
// spec §4.11 step 7's "attempt to attach".
func (r *SlackReporter) PostParityResult(ctx context.Context, channel, pagePath string, result Result, liveScreenshot, devScreenshot string) error {
	emoji := ":white_check_mark:"
	if !result.Passed {
		emoji = ":x:"
	}
	text := fmt.Sprintf("%s Visual parity %s for %s\n%s", emoji, result.Verdict, pagePath, result.Summary)

	if _, _, err := r.api.PostMessageContext(ctx, channel, goslack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("post message: %w", err)
	}

	for _, shot := range []string{liveScreenshot, devScreenshot} {
		if shot == "" {
			continue
		}
		if _, err := os.Stat(shot); err != nil {
			continue
		}
		if _, err := r.api.UploadFileV2Context(ctx, goslack.UploadFileV2Parameters{
			Channel:  channel,
			File:     shot,
			Filename: filepath.Base(shot),
		}); err != nil {
			return fmt.Errorf("upload %s: %w", shot, err)
		}
	}
	return nil
}
