package feishu

import (
	"context"
	"strings"

	"github.com/httprunner/DevicePool/internal/storage"
	"github.com/pkg/errors"
)

const maxLogRunes = 5000

// ResultFields lists the column names of the result table.
type ResultFields struct {
	RunID      string
	Pool       string
	Batch      string
	Test       string
	Target     string
	Device     string
	Host       string
	Status     string
	StartAt    string
	DurationMs string
	Log        string
}

// DefaultResultFields matches the result table template.
var DefaultResultFields = ResultFields{
	RunID:      "RunID",
	Pool:       "Pool",
	Batch:      "BatchID",
	Test:       "Test",
	Target:     "Target",
	Device:     "DeviceSerial",
	Host:       "Host",
	Status:     "Status",
	StartAt:    "StartAt",
	DurationMs: "DurationMs",
	Log:        "Log",
}

// ResultPublisher appends stored result rows to a bitable, implementing storage.Publisher.
type ResultPublisher struct {
	client *Client
	url    string
	fields ResultFields
}

// NewResultPublisher returns nil when url is empty.
func NewResultPublisher(client *Client, rawURL string) (*ResultPublisher, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("feishu: result publisher requires a client")
	}
	if _, err := ParseBitableURL(rawURL); err != nil {
		return nil, err
	}
	return &ResultPublisher{client: client, url: rawURL, fields: DefaultResultFields}, nil
}

func (p *ResultPublisher) Name() string { return "feishu-bitable" }

// PublishResults creates one bitable row per result row.
func (p *ResultPublisher) PublishResults(ctx context.Context, rows []storage.ResultRow) error {
	if len(rows) == 0 {
		return nil
	}
	table, err := p.client.OpenTable(ctx, p.url)
	if err != nil {
		return err
	}
	payloads := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		payloads = append(payloads, p.payload(r))
	}
	_, err = table.AppendRows(ctx, payloads)
	return err
}

func (p *ResultPublisher) payload(r storage.ResultRow) map[string]any {
	f := p.fields
	out := map[string]any{
		f.RunID:  r.RunID,
		f.Pool:   r.PoolID,
		f.Batch:  r.BatchID,
		f.Test:   r.TestID,
		f.Status: r.Status,
	}
	addOptional(out, f.Target, r.Target)
	addOptional(out, f.Device, r.DeviceSerial)
	addOptional(out, f.Host, r.DeviceHost)
	if r.StartMillis > 0 {
		out[f.StartAt] = r.StartMillis
		out[f.DurationMs] = r.DurationMillis
	}
	if r.Log != "" {
		out[f.Log] = truncateRunes(r.Log, maxLogRunes)
	}
	return out
}

func addOptional(dst map[string]any, column, value string) {
	if column == "" || strings.TrimSpace(value) == "" {
		return
	}
	dst[column] = value
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
