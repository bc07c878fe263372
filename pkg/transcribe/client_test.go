package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"voice-video-workflow/pkg/config"
)

func TestTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transcribe" {
			t.Errorf("请求路径不符: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("解析上传表单失败: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("表单应包含音频文件: %v", err)
		}
		if got := r.FormValue("language"); got != "vi" {
			t.Errorf("语言参数不符: %s", got)
		}
		json.NewEncoder(w).Encode(transcribeResponse{
			Segments: []Segment{
				{Start: 0, End: 4.5, Text: "Đêm đó trời mưa rất to."},
				{Start: 4.5, End: 9, Text: "Cô gái bước vào quán trọ."},
			},
		})
	}))
	defer server.Close()

	audio := filepath.Join(t.TempDir(), "voice.mp3")
	if err := os.WriteFile(audio, []byte("fake audio"), 0644); err != nil {
		t.Fatal(err)
	}

	logger, _ := zap.NewDevelopment()
	client := NewClient(config.TranscribeConfig{
		BaseURL:  server.URL,
		Model:    "base",
		Language: "vi",
	}, logger)

	segments, err := client.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("转写失败: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("片段数应为 2, 实际 %d", len(segments))
	}

	cues := ToCues(segments)
	if cues[0].ID != 1 || cues[1].ID != 2 {
		t.Errorf("字幕编号应从 1 递增")
	}
	if cues[1].Start != 4.5 {
		t.Errorf("时间戳不符: %v", cues[1].Start)
	}
}

func TestTranscribeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	audio := filepath.Join(t.TempDir(), "voice.mp3")
	os.WriteFile(audio, []byte("x"), 0644)

	logger, _ := zap.NewDevelopment()
	client := NewClient(config.TranscribeConfig{BaseURL: server.URL}, logger)
	if _, err := client.Transcribe(context.Background(), audio); err == nil {
		t.Fatal("服务错误时应报错")
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client := NewClient(config.TranscribeConfig{BaseURL: "http://localhost:1"}, logger)
	if _, err := client.Transcribe(context.Background(), "/no/such/file.mp3"); err == nil {
		t.Fatal("文件不存在时应报错")
	}
}
