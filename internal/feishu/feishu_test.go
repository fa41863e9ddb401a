package feishu

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/storage"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkwiki "github.com/larksuite/oapi-sdk-go/v3/service/wiki/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testResultURL = "https://example.feishu.cn/base/bascnApp?table=tblResults&view=vewAll"

type fakeTables struct {
	mu           sync.Mutex
	refs         []BitableRef
	batchCreates [][]map[string]any
	creates      []map[string]any
	updates      map[string]map[string]any
	searches     []*larkbitable.SearchAppTableRecordReqBody
	existing     map[string]string
	failCode     int
	nextID       int
}

func newFakeTables() *fakeTables {
	return &fakeTables{updates: make(map[string]map[string]any), existing: make(map[string]string)}
}

func (f *fakeTables) newID() *string {
	f.nextID++
	return larkcore.StringPtr(fmt.Sprintf("rec%d", f.nextID))
}

func (f *fakeTables) Search(_ context.Context, ref BitableRef, body *larkbitable.SearchAppTableRecordReqBody) (*larkbitable.SearchAppTableRecordResp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	f.searches = append(f.searches, body)
	var items []*larkbitable.AppTableRecord
	if id, ok := f.existing[body.Filter.Conditions[0].Value[0]]; ok {
		items = append(items, &larkbitable.AppTableRecord{RecordId: larkcore.StringPtr(id)})
	}
	return &larkbitable.SearchAppTableRecordResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0, Msg: "success"},
		Data:      &larkbitable.SearchAppTableRecordRespData{Items: items},
	}, nil
}

func (f *fakeTables) Create(_ context.Context, ref BitableRef, fields map[string]any) (*larkbitable.CreateAppTableRecordResp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	f.creates = append(f.creates, fields)
	return &larkbitable.CreateAppTableRecordResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0, Msg: "success"},
		Data:      &larkbitable.CreateAppTableRecordRespData{Record: &larkbitable.AppTableRecord{RecordId: f.newID()}},
	}, nil
}

func (f *fakeTables) Update(_ context.Context, ref BitableRef, recordID string, fields map[string]any) (*larkbitable.UpdateAppTableRecordResp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	f.updates[recordID] = fields
	return &larkbitable.UpdateAppTableRecordResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0, Msg: "success"},
	}, nil
}

func (f *fakeTables) BatchCreate(_ context.Context, ref BitableRef, rows []map[string]any) (*larkbitable.BatchCreateAppTableRecordResp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	if f.failCode != 0 {
		return &larkbitable.BatchCreateAppTableRecordResp{
			ApiResp:   okApiResp(),
			CodeError: larkcore.CodeError{Code: f.failCode, Msg: "TooManyRequest"},
		}, nil
	}
	var records []*larkbitable.AppTableRecord
	for range rows {
		records = append(records, &larkbitable.AppTableRecord{RecordId: f.newID()})
	}
	f.batchCreates = append(f.batchCreates, rows)
	return &larkbitable.BatchCreateAppTableRecordResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0, Msg: "success"},
		Data:      &larkbitable.BatchCreateAppTableRecordRespData{Records: records},
	}, nil
}

type fakeNodes struct {
	mu      sync.Mutex
	calls   int
	objType string
}

func (f *fakeNodes) GetNode(_ context.Context, token string) (*larkwiki.GetNodeSpaceResp, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	objType := f.objType
	if objType == "" {
		objType = "bitable"
	}
	return &larkwiki.GetNodeSpaceResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0, Msg: "success"},
		Data: &larkwiki.GetNodeSpaceRespData{Node: &larkwiki.Node{
			ObjToken: larkcore.StringPtr("app-" + token),
			ObjType:  larkcore.StringPtr(objType),
		}},
	}, nil
}

func okApiResp() *larkcore.ApiResp {
	return &larkcore.ApiResp{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		RawBody:    []byte(`{"code":0,"msg":"success"}`),
	}
}

func newTestClient(tables *fakeTables, nodes *fakeNodes) *Client {
	c := &Client{tables: tables}
	if nodes != nil {
		c.nodes = nodes
	}
	return c
}

func TestParseBitableURL(t *testing.T) {
	ref, err := ParseBitableURL(testResultURL)
	require.NoError(t, err)
	assert.Equal(t, "bascnApp", ref.AppToken)
	assert.Equal(t, "tblResults", ref.TableID)
	assert.Equal(t, "vewAll", ref.ViewID)

	ref, err = ParseBitableURL("https://corp.larkoffice.com/wiki/wikiTok?table=tblX")
	require.NoError(t, err)
	assert.Equal(t, "wikiTok", ref.WikiToken)
	assert.Empty(t, ref.AppToken)

	_, err = ParseBitableURL("https://example.com/base/app?table=tbl")
	assert.Error(t, err)
	_, err = ParseBitableURL("https://example.feishu.cn/base/app")
	assert.Error(t, err)
	_, err = ParseBitableURL("")
	assert.Error(t, err)
}

func TestResultPublisherCreatesRows(t *testing.T) {
	api := newFakeTables()
	pub, err := NewResultPublisher(newTestClient(api, nil), testResultURL)
	require.NoError(t, err)
	require.NotNil(t, pub)

	rows := []storage.ResultRow{
		{RunID: "r1", PoolID: "ios", BatchID: "b1", TestID: "App.Login#testA", Target: "App", DeviceSerial: "sim-1",
			Status: "passed", StartMillis: 1000, EndMillis: 1500, DurationMillis: 500},
		{RunID: "r1", PoolID: "ios", BatchID: "b1", TestID: "App.Login#testB", Status: "incomplete"},
	}
	require.NoError(t, pub.PublishResults(context.Background(), rows))

	require.Len(t, api.batchCreates, 1)
	first := api.batchCreates[0][0]
	assert.Equal(t, "App.Login#testA", first["Test"])
	assert.Equal(t, int64(1000), first["StartAt"])
	assert.Equal(t, int64(500), first["DurationMs"])
	second := api.batchCreates[0][1]
	assert.Equal(t, "incomplete", second["Status"])
	assert.NotContains(t, second, "StartAt")
	assert.NotContains(t, second, "DeviceSerial")
}

func TestNewResultPublisherDisabledWithoutURL(t *testing.T) {
	pub, err := NewResultPublisher(nil, " ")
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestAppendRowsChunks(t *testing.T) {
	api := newFakeTables()
	table, err := newTestClient(api, nil).OpenTable(context.Background(), testResultURL)
	require.NoError(t, err)
	records := make([]map[string]any, maxBatchCreate+3)
	for i := range records {
		records[i] = map[string]any{"Test": fmt.Sprintf("t%d", i)}
	}
	ids, err := table.AppendRows(context.Background(), records)
	require.NoError(t, err)
	assert.Len(t, ids, len(records))
	require.Len(t, api.batchCreates, 2)
	assert.Len(t, api.batchCreates[1], 3)
	assert.Equal(t, "bascnApp", api.refs[0].AppToken)
	assert.Equal(t, "tblResults", api.refs[0].TableID)
}

func TestAppendRowsBusinessError(t *testing.T) {
	api := newFakeTables()
	api.failCode = 1254290
	table, err := newTestClient(api, nil).OpenTable(context.Background(), testResultURL)
	require.NoError(t, err)

	_, err = table.AppendRows(context.Background(), []map[string]any{{"Test": "x"}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1254290, apiErr.Code)
	assert.Equal(t, "batch create records", apiErr.Action)
}

func TestWikiTokenResolvedOnce(t *testing.T) {
	nodes := &fakeNodes{}
	c := newTestClient(newFakeTables(), nodes)
	url := "https://corp.larkoffice.com/wiki/wikiTok?table=tblX"
	for range 3 {
		table, err := c.OpenTable(context.Background(), url)
		require.NoError(t, err)
		assert.Equal(t, "app-wikiTok", table.Ref().AppToken)
	}
	assert.Equal(t, 1, nodes.calls)
}

func TestWikiNodeMustBeBitable(t *testing.T) {
	c := newTestClient(newFakeTables(), &fakeNodes{objType: "docx"})
	_, err := c.OpenTable(context.Background(), "https://corp.larkoffice.com/wiki/wikiDoc?table=tblX")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a bitable")
}

func TestDeviceRecorderUpsert(t *testing.T) {
	api := newFakeTables()
	api.existing["emulator-5556"] = "recExisting"
	rec, err := NewDeviceRecorder(newTestClient(api, nil), "https://example.feishu.cn/base/bascnDev?table=tblDevices")
	require.NoError(t, err)

	updates := []device.InfoUpdate{
		{DeviceSerial: "emulator-5554", PoolID: "android", Status: "running", Healthy: true},
		{DeviceSerial: "emulator-5556", PoolID: "android", Status: "offline", LastError: "device lost"},
		{DeviceSerial: ""},
	}
	require.NoError(t, rec.UpsertDevices(context.Background(), updates))
	require.Len(t, api.creates, 1)
	assert.Equal(t, "emulator-5554", api.creates[0]["DeviceSerial"])
	require.Contains(t, api.updates, "recExisting")
	assert.Equal(t, "device lost", api.updates["recExisting"]["LastError"])
	assert.Len(t, api.searches, 2)

	// cached record ids skip the search.
	require.NoError(t, rec.UpsertDevices(context.Background(), updates[:1]))
	assert.Len(t, api.searches, 2)
	assert.Len(t, api.creates, 1)
	assert.Contains(t, api.updates, "rec1")
}
