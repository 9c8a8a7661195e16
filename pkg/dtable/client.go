package dtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// tokenUsername 引擎访问表格服务时使用的身份
const tokenUsername = "automation-rules"

// ErrNotFound 表格服务对该 dtable 返回 404，规则应被标记为失效
var ErrNotFound = errors.New("dtable: not found")

// Config dtable 客户端配置
type Config struct {
	ServerURL  string
	PrivateKey string
	Timeout    time.Duration
}

// Client 表格服务 HTTP 客户端
type Client struct {
	serverURL  string
	privateKey string
	httpClient *http.Client
	logger     *logrus.Logger
}

// API 规则执行期间对表格服务的全部操作
type API interface {
	Metadata(ctx context.Context, dtableUUID string) (*Metadata, error)
	Columns(ctx context.Context, dtableUUID, tableID, viewID string) ([]*Column, error)
	FilterRows(ctx context.Context, dtableUUID string, req *FilterRowsRequest) ([]map[string]interface{}, error)
	AppendRow(ctx context.Context, dtableUUID, tableName string, row map[string]interface{}) error
	UpdateRow(ctx context.Context, dtableUUID, tableName, rowID string, row map[string]interface{}) error
	LockRows(ctx context.Context, dtableUUID, tableName string, rowIDs []string) error
	UpdateLinks(ctx context.Context, dtableUUID string, body map[string]interface{}) error
	AddColumnOptions(ctx context.Context, dtableUUID, tableName, columnName string, options []SelectOption) error
	RelatedUsers(ctx context.Context, dtableUUID string) ([]RelatedUser, error)
	SendNotification(ctx context.Context, dtableUUID string, notifications []InternalNotification) error
}

// NewClient 创建客户端；Timeout 为 0 时采用 30s
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		serverURL:  cfg.ServerURL,
		privateKey: cfg.PrivateKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint, dtableUUID string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	token, err := AccessToken(c.privateKey, dtableUUID, tokenUsername)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+token)
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("dtable API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("dtable API error [%d]: %s", resp.StatusCode, string(body))
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint, dtableUUID string, body, result interface{}) error {
	req, err := c.createRequest(ctx, method, endpoint, dtableUUID, body)
	if err != nil {
		return err
	}
	return c.doRequest(req, result)
}

// Metadata 拉取 dtable 元数据
func (c *Client) Metadata(ctx context.Context, dtableUUID string) (*Metadata, error) {
	var resp struct {
		Metadata *Metadata `json:"metadata"`
	}
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/metadata/", dtableUUID)
	if err := c.do(ctx, http.MethodGet, endpoint, dtableUUID, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Metadata == nil {
		return nil, fmt.Errorf("dtable API: empty metadata for %s", dtableUUID)
	}
	return resp.Metadata, nil
}

// Columns 返回视图可见列
func (c *Client) Columns(ctx context.Context, dtableUUID, tableID, viewID string) ([]*Column, error) {
	var resp struct {
		Columns []*Column `json:"columns"`
	}
	q := url.Values{}
	q.Set("table_id", tableID)
	if viewID != "" {
		q.Set("view_id", viewID)
	}
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/columns/?%s", dtableUUID, q.Encode())
	if err := c.do(ctx, http.MethodGet, endpoint, dtableUUID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Columns, nil
}

// FilterRows 按过滤/排序/上限查询行
func (c *Client) FilterRows(ctx context.Context, dtableUUID string, req *FilterRowsRequest) ([]map[string]interface{}, error) {
	var resp FilterRowsResponse
	endpoint := fmt.Sprintf("/api/v1/internal/dtables/%s/filter-rows/", dtableUUID)
	if err := c.do(ctx, http.MethodPost, endpoint, dtableUUID, req, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// AppendRow 插入一行
func (c *Client) AppendRow(ctx context.Context, dtableUUID, tableName string, row map[string]interface{}) error {
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/rows/", dtableUUID)
	body := map[string]interface{}{"table_name": tableName, "row": row}
	return c.do(ctx, http.MethodPost, endpoint, dtableUUID, body, nil)
}

// UpdateRow 更新一行
func (c *Client) UpdateRow(ctx context.Context, dtableUUID, tableName, rowID string, row map[string]interface{}) error {
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/rows/", dtableUUID)
	body := map[string]interface{}{"table_name": tableName, "row_id": rowID, "row": row}
	return c.do(ctx, http.MethodPut, endpoint, dtableUUID, body, nil)
}

// LockRows 锁定若干行
func (c *Client) LockRows(ctx context.Context, dtableUUID, tableName string, rowIDs []string) error {
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/lock-rows/", dtableUUID)
	body := map[string]interface{}{"table_name": tableName, "row_ids": rowIDs}
	return c.do(ctx, http.MethodPut, endpoint, dtableUUID, body, nil)
}

// UpdateLinks 重写一行的链接集合
func (c *Client) UpdateLinks(ctx context.Context, dtableUUID string, body map[string]interface{}) error {
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/links/", dtableUUID)
	return c.do(ctx, http.MethodPut, endpoint, dtableUUID, body, nil)
}

// AddColumnOptions 为 select 列追加选项，服务端按名称去重
func (c *Client) AddColumnOptions(ctx context.Context, dtableUUID, tableName, columnName string, options []SelectOption) error {
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/column-options/", dtableUUID)
	body := map[string]interface{}{
		"table_name": tableName,
		"column":     columnName,
		"options":    options,
	}
	return c.do(ctx, http.MethodPost, endpoint, dtableUUID, body, nil)
}

// RelatedUsers 表格相关用户列表（昵称映射与管理员通知）
func (c *Client) RelatedUsers(ctx context.Context, dtableUUID string) ([]RelatedUser, error) {
	var resp struct {
		UserList []RelatedUser `json:"user_list"`
	}
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/related-users/", dtableUUID)
	if err := c.do(ctx, http.MethodGet, endpoint, dtableUUID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.UserList, nil
}

// SendNotification 下发站内通知
func (c *Client) SendNotification(ctx context.Context, dtableUUID string, notifications []InternalNotification) error {
	endpoint := fmt.Sprintf("/api/v1/dtables/%s/notifications/", dtableUUID)
	body := map[string]interface{}{"notifications": notifications}
	return c.do(ctx, http.MethodPost, endpoint, dtableUUID, body, nil)
}
