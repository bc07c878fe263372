package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"voice-video-workflow/pkg/config"
	"voice-video-workflow/pkg/subtitle"
)

// Segment 转写结果的一个片段
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type transcribeResponse struct {
	Segments []Segment `json:"segments"`
	Error    string    `json:"error,omitempty"`
}

// Client 语音转写客户端，对接 whisper 兼容服务
type Client struct {
	BaseURL    string
	Model      string
	Language   string
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// NewClient 创建转写客户端
func NewClient(cfg config.TranscribeConfig, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		BaseURL:  baseURL,
		Model:    cfg.Model,
		Language: cfg.Language,
		Logger:   logger,
		HTTPClient: &http.Client{
			Timeout: 600 * time.Second, // 长音频转写耗时较长
		},
	}
}

// Transcribe 上传音频文件并返回带时间戳的转写片段
func (c *Client) Transcribe(ctx context.Context, audioPath string) ([]Segment, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("打开音频文件失败: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("构造上传请求失败: %v", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("读取音频文件失败: %w", err)
	}
	if c.Model != "" {
		writer.WriteField("model", c.Model)
	}
	if c.Language != "" {
		writer.WriteField("language", c.Language)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("构造上传请求失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/transcribe", &buf)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.Logger.Info("提交转写任务",
		zap.String("file", audioPath),
		zap.String("model", c.Model))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("转写服务返回错误状态码 %d: %s", resp.StatusCode, string(body))
	}

	var result transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析响应失败: %v", err)
	}
	if len(result.Segments) == 0 {
		return nil, fmt.Errorf("转写结果为空: %s", result.Error)
	}

	c.Logger.Info("转写完成", zap.Int("segments", len(result.Segments)))
	return result.Segments, nil
}

// ToCues 把转写片段转为字幕条目
func ToCues(segments []Segment) []subtitle.Cue {
	cues := make([]subtitle.Cue, 0, len(segments))
	for i, seg := range segments {
		cues = append(cues, subtitle.Cue{
			ID:    i + 1,
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}
	return cues
}
