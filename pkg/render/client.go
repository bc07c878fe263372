package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobState 渲染任务状态
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobStatus 轮询到的任务状态
type JobStatus struct {
	State    JobState
	AssetURL string
	Reason   string
	Fatal    bool
}

// BackendError 渲染后端返回的错误，Transient 表示可换账号重试
type BackendError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("渲染后端错误 (状态码 %d): %s", e.StatusCode, e.Message)
}

// IsTransient 判断错误是否为暂时性失败。网络错误、超时与
// 5xx/429 视为暂时性；凭据失效与内容审核拒绝视为永久性。
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// 其余未知错误按暂时性处理，交给重试上限兜底
	return true
}

// IsCredential 账号凭据类错误，应停用账号而非重试
func IsCredential(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusForbidden
	}
	return false
}

// Submission 一次渲染任务的提交参数。SourceImage 仅视频任务使用,
// 为该场景已生成的图片。
type Submission struct {
	Prompt      string   `json:"prompt"`
	References  []string `json:"references,omitempty"`
	SourceImage string   `json:"source_image,omitempty"`
	Account     string   `json:"account"`
	CookiesFile string   `json:"cookies_file,omitempty"`
	RequestID   string   `json:"request_id"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

type pollResponse struct {
	Status   string `json:"status"`
	AssetURL string `json:"asset_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client 渲染后端客户端，对接浏览器自动化桥接服务
type Client struct {
	BaseURL    string
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// NewClient 创建渲染后端客户端
func NewClient(logger *zap.Logger, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9800"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Logger:  logger,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// SubmitImage 提交图片生成任务，返回任务ID
func (c *Client) SubmitImage(ctx context.Context, sub Submission) (string, error) {
	return c.submit(ctx, "/v1/image", sub)
}

// SubmitVideo 提交视频生成任务，返回任务ID
func (c *Client) SubmitVideo(ctx context.Context, sub Submission) (string, error) {
	return c.submit(ctx, "/v1/video", sub)
}

func (c *Client) submit(ctx context.Context, path string, sub Submission) (string, error) {
	if sub.RequestID == "" {
		sub.RequestID = uuid.New().String()
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("序列化请求参数失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.Logger.Info("提交渲染任务",
		zap.String("endpoint", path),
		zap.String("account", sub.Account),
		zap.String("request_id", sub.RequestID))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, string(body))
	}

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("解析响应失败: %v", err)
	}
	if result.JobID == "" {
		return "", fmt.Errorf("后端未返回任务ID: %s", result.Error)
	}
	return result.JobID, nil
}

// Poll 查询任务状态
func (c *Client) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("查询任务状态失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	var result pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %v", err)
	}

	status := &JobStatus{}
	switch strings.ToLower(result.Status) {
	case "done", "success", "completed", "succeeded":
		status.State = JobDone
		status.AssetURL = result.AssetURL
	case "failed", "error":
		status.State = JobFailed
		status.Reason = result.Error
		status.Fatal = isPolicyReject(result.Error)
	default:
		status.State = JobRunning
	}
	return status, nil
}

// Fetch 下载产物到目标路径，先写临时文件再改名
func (c *Client) Fetch(ctx context.Context, assetURL, destPath string) error {
	url := assetURL
	if strings.HasPrefix(url, "/") {
		url = c.BaseURL + url
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %v", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("下载产物失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, string(body))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %v", err)
	}

	tmp := destPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %v", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("写入产物失败: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("关闭临时文件失败: %v", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("移动产物文件失败: %v", err)
	}

	c.Logger.Info("产物下载完成", zap.String("file", destPath))
	return nil
}

// classifyStatus 按HTTP状态码区分暂时性与永久性失败
func classifyStatus(code int, body string) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	transient := true
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		transient = false
	}
	if code == http.StatusBadRequest && isPolicyReject(msg) {
		transient = false
	}
	return &BackendError{StatusCode: code, Message: msg, Transient: transient}
}

// isPolicyReject 内容审核类拒绝，重试无意义
func isPolicyReject(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range []string{"policy", "moderation", "rejected", "blocked", "violation"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
