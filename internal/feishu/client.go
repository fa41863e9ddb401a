package feishu

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/httprunner/DevicePool/internal/config"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkwiki "github.com/larksuite/oapi-sdk-go/v3/service/wiki/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// recordService is the shape of client.Bitable.V1.AppTableRecord.
type recordService interface {
	Search(ctx context.Context, req *larkbitable.SearchAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
	BatchCreate(ctx context.Context, req *larkbitable.BatchCreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.BatchCreateAppTableRecordResp, error)
}

// nodeService is the shape of client.Wiki.V2.Space.
type nodeService interface {
	GetNode(ctx context.Context, req *larkwiki.GetNodeSpaceReq, options ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error)
}

// tableAPI addresses record operations by an already resolved table.
type tableAPI interface {
	Search(ctx context.Context, ref BitableRef, body *larkbitable.SearchAppTableRecordReqBody) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, ref BitableRef, fields map[string]any) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) (*larkbitable.UpdateAppTableRecordResp, error)
	BatchCreate(ctx context.Context, ref BitableRef, rows []map[string]any) (*larkbitable.BatchCreateAppTableRecordResp, error)
}

type nodeAPI interface {
	GetNode(ctx context.Context, wikiToken string) (*larkwiki.GetNodeSpaceResp, error)
}

type sdkTables struct{ svc recordService }

func (s sdkTables) Search(ctx context.Context, ref BitableRef, body *larkbitable.SearchAppTableRecordReqBody) (*larkbitable.SearchAppTableRecordResp, error) {
	return s.svc.Search(ctx, larkbitable.NewSearchAppTableRecordReqBuilder().
		AppToken(ref.AppToken).TableId(ref.TableID).PageSize(1).Body(body).Build())
}

func (s sdkTables) Create(ctx context.Context, ref BitableRef, fields map[string]any) (*larkbitable.CreateAppTableRecordResp, error) {
	record := larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()
	return s.svc.Create(ctx, larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(ref.AppToken).TableId(ref.TableID).AppTableRecord(record).Build())
}

func (s sdkTables) Update(ctx context.Context, ref BitableRef, recordID string, fields map[string]any) (*larkbitable.UpdateAppTableRecordResp, error) {
	record := larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()
	return s.svc.Update(ctx, larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(ref.AppToken).TableId(ref.TableID).RecordId(recordID).AppTableRecord(record).Build())
}

func (s sdkTables) BatchCreate(ctx context.Context, ref BitableRef, rows []map[string]any) (*larkbitable.BatchCreateAppTableRecordResp, error) {
	records := make([]*larkbitable.AppTableRecord, 0, len(rows))
	for _, fields := range rows {
		records = append(records, larkbitable.NewAppTableRecordBuilder().Fields(fields).Build())
	}
	body := larkbitable.NewBatchCreateAppTableRecordReqBodyBuilder().Records(records).Build()
	return s.svc.BatchCreate(ctx, larkbitable.NewBatchCreateAppTableRecordReqBuilder().
		AppToken(ref.AppToken).TableId(ref.TableID).Body(body).Build())
}

type sdkNodes struct{ svc nodeService }

func (s sdkNodes) GetNode(ctx context.Context, wikiToken string) (*larkwiki.GetNodeSpaceResp, error) {
	return s.svc.GetNode(ctx, larkwiki.NewGetNodeSpaceReqBuilder().Token(wikiToken).Build())
}

// Client 封装结果表/设备表用到的多维表格接口。tenant access token 由 SDK 自带缓存管理。
type Client struct {
	tables tableAPI
	nodes  nodeAPI

	appTokens sync.Map // wiki token -> bitable app token
	resolving singleflight.Group
}

// NewClient 使用自建应用凭证构建客户端，baseURL 为空时使用飞书国内域名。
func NewClient(appID, appSecret, baseURL string) (*Client, error) {
	appID, appSecret = strings.TrimSpace(appID), strings.TrimSpace(appSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.Errorf("feishu: %s and %s are required", config.EnvFeishuAppID, config.EnvFeishuAppSecret)
	}
	opts := []lark.ClientOptionFunc{lark.WithLogLevel(larkcore.LogLevelError)}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	sdk := lark.NewClient(appID, appSecret, opts...)
	return &Client{
		tables: sdkTables{svc: sdk.Bitable.V1.AppTableRecord},
		nodes:  sdkNodes{svc: sdk.Wiki.V2.Space},
	}, nil
}

// APIError is a non-zero business code returned by the open platform.
type APIError struct {
	Action string
	Code   int
	Msg    string
	LogID  string
}

func (e *APIError) Error() string {
	s := fmt.Sprintf("feishu: %s: code=%d msg=%s", e.Action, e.Code, e.Msg)
	if e.LogID != "" {
		s += " log_id=" + e.LogID
	}
	return s
}

// checkResponse turns a missing response or a business failure into an error.
func checkResponse(action string, apiResp *larkcore.ApiResp, code int, msg string) error {
	if apiResp == nil {
		return errors.Errorf("feishu: %s: empty response", action)
	}
	if code != 0 {
		return &APIError{Action: action, Code: code, Msg: msg, LogID: apiResp.RequestId()}
	}
	return nil
}
