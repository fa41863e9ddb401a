package feishu

import (
	"context"
	"net/url"
	"slices"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
)

// maxBatchCreate is the per-request limit of records/batch_create.
const maxBatchCreate = 500

var feishuDomains = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// BitableRef identifies one table of a bitable. A link opened from a wiki
// page carries WikiToken and gets AppToken only after resolution.
type BitableRef struct {
	AppToken  string
	WikiToken string
	TableID   string
	ViewID    string
}

// ParseBitableURL accepts /base/<app>?table=... and /wiki/<node>?table=... links.
func ParseBitableURL(raw string) (BitableRef, error) {
	var ref BitableRef
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ref, errors.New("bitable url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ref, errors.Wrap(err, "parse bitable url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("bitable url %q: unsupported scheme", raw)
	}
	host := strings.ToLower(u.Hostname())
	if !slices.ContainsFunc(feishuDomains, func(d string) bool { return host == d || strings.HasSuffix(host, "."+d) }) {
		return ref, errors.Errorf("bitable url %q: not a feishu/lark host", raw)
	}

	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	switch {
	case len(segments) == 0:
		return ref, errors.Errorf("bitable url %q: missing app token", raw)
	case len(segments) >= 2 && segments[0] == "wiki":
		ref.WikiToken = segments[1]
	case len(segments) >= 2 && segments[0] == "base":
		ref.AppToken = segments[1]
	default:
		ref.AppToken = segments[len(segments)-1]
	}

	q := u.Query()
	ref.TableID = firstQuery(q, "table", "tableId", "table_id")
	ref.ViewID = firstQuery(q, "view", "viewId", "view_id")
	if ref.TableID == "" {
		return ref, errors.Errorf("bitable url %q: missing table query parameter", raw)
	}
	return ref, nil
}

func firstQuery(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// Table is a bitable table with its app token resolved.
type Table struct {
	api tableAPI
	ref BitableRef
}

// OpenTable parses rawURL and, for wiki links, looks up the bitable behind the
// wiki node. Lookups are cached per wiki token and concurrent ones are merged.
func (c *Client) OpenTable(ctx context.Context, rawURL string) (*Table, error) {
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return nil, err
	}
	if ref.AppToken == "" {
		ref.AppToken, err = c.appTokenForWiki(ctx, ref.WikiToken)
		if err != nil {
			return nil, err
		}
	}
	return &Table{api: c.tables, ref: ref}, nil
}

func (c *Client) appTokenForWiki(ctx context.Context, wikiToken string) (string, error) {
	if v, ok := c.appTokens.Load(wikiToken); ok {
		return v.(string), nil
	}
	v, err, _ := c.resolving.Do(wikiToken, func() (any, error) {
		resp, err := c.nodes.GetNode(ctx, wikiToken)
		if err != nil {
			return "", errors.Wrap(err, "feishu: get wiki node")
		}
		if err := checkResponse("get wiki node", resp.ApiResp, resp.Code, resp.Msg); err != nil {
			return "", err
		}
		if resp.Data == nil || resp.Data.Node == nil {
			return "", errors.New("feishu: wiki node missing in response")
		}
		node := resp.Data.Node
		if kind := larkcore.StringValue(node.ObjType); kind != "bitable" {
			return "", errors.Errorf("feishu: wiki node %s is a %q, not a bitable", wikiToken, kind)
		}
		token := strings.TrimSpace(larkcore.StringValue(node.ObjToken))
		if token == "" {
			return "", errors.Errorf("feishu: wiki node %s has no obj_token", wikiToken)
		}
		c.appTokens.Store(wikiToken, token)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Ref returns the resolved table identifiers.
func (t *Table) Ref() BitableRef { return t.ref }

// AppendRows creates one record per row, splitting into batch_create sized requests.
// On failure the ids of the chunks already written are returned with the error.
func (t *Table) AppendRows(ctx context.Context, rows []map[string]any) ([]string, error) {
	ids := make([]string, 0, len(rows))
	for chunk := range slices.Chunk(rows, maxBatchCreate) {
		if slices.ContainsFunc(chunk, func(r map[string]any) bool { return len(r) == 0 }) {
			return ids, errors.New("feishu: empty record in batch")
		}
		resp, err := t.api.BatchCreate(ctx, t.ref, chunk)
		if err != nil {
			return ids, errors.Wrap(err, "feishu: batch create records")
		}
		if err := checkResponse("batch create records", resp.ApiResp, resp.Code, resp.Msg); err != nil {
			return ids, err
		}
		if resp.Data != nil {
			for _, rec := range resp.Data.Records {
				if rec != nil {
					ids = append(ids, larkcore.StringValue(rec.RecordId))
				}
			}
		}
	}
	return ids, nil
}

// FindByField returns the id of the first record whose field equals value.
func (t *Table) FindByField(ctx context.Context, field, value string) (string, bool, error) {
	body := &larkbitable.SearchAppTableRecordReqBody{
		Filter: &larkbitable.FilterInfo{
			Conjunction: larkcore.StringPtr("and"),
			Conditions: []*larkbitable.Condition{{
				FieldName: larkcore.StringPtr(field),
				Operator:  larkcore.StringPtr("is"),
				Value:     []string{value},
			}},
		},
	}
	if t.ref.ViewID != "" {
		body.ViewId = larkcore.StringPtr(t.ref.ViewID)
	}
	resp, err := t.api.Search(ctx, t.ref, body)
	if err != nil {
		return "", false, errors.Wrap(err, "feishu: search records")
	}
	if err := checkResponse("search records", resp.ApiResp, resp.Code, resp.Msg); err != nil {
		return "", false, err
	}
	if resp.Data == nil {
		return "", false, nil
	}
	for _, item := range resp.Data.Items {
		if item == nil {
			continue
		}
		if id := larkcore.StringValue(item.RecordId); id != "" {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Insert creates a single record and returns its id.
func (t *Table) Insert(ctx context.Context, fields map[string]any) (string, error) {
	resp, err := t.api.Create(ctx, t.ref, fields)
	if err != nil {
		return "", errors.Wrap(err, "feishu: create record")
	}
	if err := checkResponse("create record", resp.ApiResp, resp.Code, resp.Msg); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil || larkcore.StringValue(resp.Data.Record.RecordId) == "" {
		return "", errors.New("feishu: create record returned no record id")
	}
	return larkcore.StringValue(resp.Data.Record.RecordId), nil
}

// Patch overwrites the given fields of an existing record.
func (t *Table) Patch(ctx context.Context, recordID string, fields map[string]any) error {
	if recordID == "" {
		return errors.New("feishu: patch without record id")
	}
	resp, err := t.api.Update(ctx, t.ref, recordID, fields)
	if err != nil {
		return errors.Wrap(err, "feishu: update record")
	}
	return checkResponse("update record", resp.ApiResp, resp.Code, resp.Msg)
}
