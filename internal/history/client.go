package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yourjinKR/myFitSync-sub000/internal/config"
	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
	"github.com/yourjinKR/myFitSync-sub000/internal/protocol"
)

// DefaultPageSize 服务端默认分页大小
const DefaultPageSize = 50

// maxErrorBody 错误响应体最多读取的字节数
const maxErrorBody = 4 << 10

// TokenSource 提供 Bearer 令牌，空串表示不带 Authorization 头
type TokenSource interface {
	Token() string
}

// StaticToken 固定令牌
type StaticToken string

// Token 实现 TokenSource
func (t StaticToken) Token() string {
	return string(t)
}

// UploadResult 附件上传结果
type UploadResult struct {
	Success          bool   `json:"success"`
	AttachID         int64  `json:"attachIdx"`
	OriginalFilename string `json:"originalFilename"`
	URL              string `json:"cloudinaryUrl"`
	SizeBytes        int64  `json:"fileSize"`
	MimeType         string `json:"mimeType"`
}

// Client 聊天 REST 接口客户端
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	pageSize int
	logger   *slog.Logger
}

// NewClient 创建 REST 客户端
func NewClient(cfg config.APIConfig, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		tokens:   tokens,
		pageSize: pageSize,
		logger:   logger.With("component", "history"),
	}
}

// PageSize 默认分页大小
func (c *Client) PageSize() int {
	return c.pageSize
}

// MemberID 查询当前登录成员
func (c *Client) MemberID(ctx context.Context) (int64, error) {
	var resp struct {
		Success  bool   `json:"success"`
		MemberID int64  `json:"member_idx"`
		Message  string `json:"message"`
	}
	if err := c.getJSON(ctx, "/member-info", nil, &resp); err != nil {
		return 0, err
	}
	if !resp.Success || resp.MemberID <= 0 {
		return 0, chatErrors.ErrUnauthorized
	}
	return resp.MemberID, nil
}

// Rooms 当前用户的聊天室列表
func (c *Client) Rooms(ctx context.Context) ([]model.RoomSummary, error) {
	var rooms []model.RoomSummary
	if err := c.getJSON(ctx, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Messages 分页拉取历史消息
// size 不大于 0 时使用默认分页大小
func (c *Client) Messages(ctx context.Context, roomID int64, page, size int) ([]model.Message, error) {
	if roomID <= 0 || page < 0 {
		return nil, chatErrors.ErrInvalidArgument
	}
	if size <= 0 {
		size = c.pageSize
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	body, err := c.get(ctx, fmt.Sprintf("/room/%d/messages", roomID), query)
	if err != nil {
		return nil, err
	}
	messages, err := protocol.DecodeMessages(body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("History page fetched", "roomId", roomID, "page", page, "count", len(messages))
	return messages, nil
}

// UnreadCount 房间未读数
func (c *Client) UnreadCount(ctx context.Context, roomID int64) (int, error) {
	if roomID <= 0 {
		return 0, chatErrors.ErrInvalidArgument
	}
	var resp struct {
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/room/%d/unread", roomID), nil, &resp); err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}

// Search 按关键字搜索房间内消息
func (c *Client) Search(ctx context.Context, roomID int64, keyword string) ([]model.Message, error) {
	keyword = strings.TrimSpace(keyword)
	if roomID <= 0 || keyword == "" {
		return nil, chatErrors.ErrInvalidArgument
	}
	query := url.Values{}
	query.Set("keyword", keyword)

	body, err := c.get(ctx, fmt.Sprintf("/room/%d/search", roomID), query)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessages(body)
}

// Files 查询消息附件，没有附件时 ok 为 false
func (c *Client) Files(ctx context.Context, messageID int64) (att model.Attachment, ok bool, err error) {
	if messageID <= 0 {
		return model.Attachment{}, false, chatErrors.ErrInvalidArgument
	}
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/message/%d/files", messageID), nil, nil)
	if err != nil {
		return model.Attachment{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return model.Attachment{}, false, chatErrors.ErrRequestFailed.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.Attachment{}, false, nil
	}
	body, err := c.readBody(req, resp)
	if err != nil {
		return model.Attachment{}, false, err
	}
	if err := json.Unmarshal(body, &att); err != nil {
		return model.Attachment{}, false, chatErrors.ErrMalformedFrame.Wrap(err)
	}
	return att, true, nil
}

// Upload 上传附件并关联到已发送的图片消息
func (c *Client) Upload(ctx context.Context, messageID int64, filename string, content io.Reader) (UploadResult, error) {
	if messageID <= 0 || filename == "" || content == nil {
		return UploadResult{}, chatErrors.ErrInvalidArgument
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, chatErrors.ErrInternal.Wrap(err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return UploadResult{}, chatErrors.ErrInternal.Wrap(err)
	}
	if err := w.WriteField("message_idx", strconv.FormatInt(messageID, 10)); err != nil {
		return UploadResult{}, chatErrors.ErrInternal.Wrap(err)
	}
	if err := w.Close(); err != nil {
		return UploadResult{}, chatErrors.ErrInternal.Wrap(err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", nil, &buf)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return UploadResult{}, err
	}

	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return UploadResult{}, chatErrors.ErrMalformedFrame.Wrap(err)
	}
	if !result.Success {
		return result, chatErrors.ErrRequestFailed.Wrapf("upload rejected for message %d", messageID)
	}

	c.logger.Info("Attachment uploaded", "messageId", messageID, "attachId", result.AttachID)
	return result, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return chatErrors.ErrMalformedFrame.Wrap(err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, chatErrors.ErrInvalidArgument.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, chatErrors.ErrRequestFailed.Wrap(err)
	}
	defer resp.Body.Close()
	return c.readBody(req, resp)
}

func (c *Client) readBody(req *http.Request, resp *http.Response) ([]byte, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, chatErrors.ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("Request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode)
		return nil, chatErrors.ErrRequestFailed.Wrapf("%s %s: %s: %s",
			req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, chatErrors.ErrRequestFailed.Wrap(err)
	}
	return body, nil
}
