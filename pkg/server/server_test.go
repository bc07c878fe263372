package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"voice-video-workflow/pkg/ledger"
)

func newTestServer(t *testing.T) (*Server, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("打开台账失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger, _ := zap.NewDevelopment()
	return New(store, logger), store
}

func seed(t *testing.T, store *ledger.Store) {
	t.Helper()
	err := store.ReplaceScenes("KA1-0001", []ledger.SceneEntry{
		{SceneID: 1, SrtStart: "00:00:00,000", SrtEnd: "00:00:20,000", SrtText: "one"},
		{SceneID: 2, SrtStart: "00:00:20,000", SrtEnd: "00:00:40,000", SrtText: "two"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordResult("KA1-0001", 1, ledger.KindImage, "img/scene_001.png"); err != nil {
		t.Fatal(err)
	}
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestListProjects(t *testing.T) {
	s, store := newTestServer(t)
	seed(t, store)

	w := doGet(t, s, "/api/projects")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码不符: %d", w.Code)
	}
	var resp struct {
		Projects []string `json:"projects"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(resp.Projects) != 1 || resp.Projects[0] != "KA1-0001" {
		t.Errorf("项目列表不符: %v", resp.Projects)
	}
}

func TestProjectStatus(t *testing.T) {
	s, store := newTestServer(t)
	seed(t, store)

	w := doGet(t, s, "/api/projects/KA1-0001/status")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码不符: %d, body: %s", w.Code, w.Body.String())
	}
	var stats ledger.Statistics
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if stats.TotalScenes != 2 || stats.ImageDone != 1 {
		t.Errorf("统计不符: %+v", stats)
	}
}

func TestProjectStatusNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := doGet(t, s, "/api/projects/KA1-9999/status")
	if w.Code != http.StatusNotFound {
		t.Errorf("未知项目应返回 404, 实际 %d", w.Code)
	}
}

func TestProjectScenes(t *testing.T) {
	s, store := newTestServer(t)
	seed(t, store)

	w := doGet(t, s, "/api/projects/KA1-0001/scenes")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码不符: %d", w.Code)
	}
	var resp struct {
		Scenes []ledger.SceneEntry `json:"scenes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(resp.Scenes) != 2 || resp.Scenes[0].SceneID != 1 {
		t.Errorf("场景列表不符: %+v", resp.Scenes)
	}
}
