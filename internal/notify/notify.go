// Package notify posts single-line pipeline status messages to a Slack-style
// incoming webhook. It is a best-effort side channel: a missing endpoint or a
// transport error is never fatal to the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Status is the lifecycle stage a notification reports.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusRollback   Status = "rollback"
)

const errorTailLen = 80

// Notifier posts formatted one-line status updates to a webhook endpoint.
type Notifier struct {
	endpoint string
	host     string
	client   *http.Client
}

// New creates a Notifier. endpoint may be empty, in which case every call to
// Notify is a silent no-op returning false.
func New(endpoint, host string) *Notifier {
	return &Notifier{
		endpoint: endpoint,
		host:     host,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify formats "<host> says <step> <verb>" (appending an 80-char error
// tail on failure) and POSTs it as {"text": "..."}. It returns true only if
// the endpoint was configured and the POST succeeded with a 2xx status.
// Any other outcome — missing endpoint, network error, non-2xx response —
// is swallowed and reported as false; callers must not treat that as fatal.
func (n *Notifier) Notify(ctx context.Context, status Status, step string, err error) bool {
	if n == nil || n.endpoint == "" {
		return false
	}

	verb := verbFor(status)
	text := fmt.Sprintf("%s says %s %s", n.host, step, verb)
	if status == StatusFailure && err != nil {
		text += ": " + tail(err.Error(), errorTailLen)
	}

	return n.post(ctx, text)
}

func verbFor(status Status) string {
	switch status {
	case StatusStarted:
		return "started"
	case StatusInProgress:
		return "is in progress"
	case StatusSuccess:
		return "succeeded"
	case StatusFailure:
		return "failed"
	case StatusRollback:
		return "was rolled back"
	default:
		return string(status)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (n *Notifier) post(ctx context.Context, text string) bool {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
