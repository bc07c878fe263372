package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"voice-video-workflow/pkg/accounts"
	"voice-video-workflow/pkg/config"
	"voice-video-workflow/pkg/ledger"
	"voice-video-workflow/pkg/render"
)

// fakeBackend 以提示词为键模拟渲染后端行为
type fakeBackend struct {
	mu             sync.Mutex
	submits        map[string]int
	failOnce       map[string]string
	policyReject   map[string]bool
	hang           map[string]bool
	credentialFail bool
	videoSources   []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		submits:      map[string]int{},
		failOnce:     map[string]string{},
		policyReject: map[string]bool{},
		hang:         map[string]bool{},
	}
}

func (f *fakeBackend) submit(sub render.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credentialFail {
		return "", &render.BackendError{StatusCode: 401, Message: "invalid credentials"}
	}
	f.submits[sub.Prompt]++
	return sub.Prompt, nil
}

func (f *fakeBackend) SubmitImage(_ context.Context, sub render.Submission) (string, error) {
	return f.submit(sub)
}

func (f *fakeBackend) SubmitVideo(_ context.Context, sub render.Submission) (string, error) {
	f.mu.Lock()
	f.videoSources = append(f.videoSources, sub.SourceImage)
	f.mu.Unlock()
	return f.submit(sub)
}

func (f *fakeBackend) Poll(_ context.Context, jobID string) (*render.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason, ok := f.failOnce[jobID]; ok {
		delete(f.failOnce, jobID)
		return &render.JobStatus{State: render.JobFailed, Reason: reason}, nil
	}
	if f.policyReject[jobID] {
		return &render.JobStatus{State: render.JobFailed, Reason: "content policy violation", Fatal: true}, nil
	}
	if f.hang[jobID] {
		return &render.JobStatus{State: render.JobRunning}, nil
	}
	return &render.JobStatus{State: render.JobDone, AssetURL: "/assets/" + jobID}, nil
}

func (f *fakeBackend) Fetch(_ context.Context, assetURL, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte(assetURL), 0644)
}

func (f *fakeBackend) submitCount(prompt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[prompt]
}

type fixture struct {
	store   *ledger.Store
	pool    *accounts.Pool
	backend *fakeBackend
	disp    *Dispatcher
	outDir  string
}

func newFixture(t *testing.T, accountNames ...string) *fixture {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("打开台账失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var accCfgs []config.AccountConfig
	for _, name := range accountNames {
		accCfgs = append(accCfgs, config.AccountConfig{Name: name, Active: true})
	}
	logger, _ := zap.NewDevelopment()
	pool := accounts.NewPool(accCfgs, config.PoolConfig{
		FailureThreshold: 3,
		CooldownDuration: time.Minute,
	}, logger)

	backend := newFakeBackend()
	disp := NewDispatcher(store, pool, backend,
		config.RenderConfig{
			ImageTimeout: 500 * time.Millisecond,
			VideoTimeout: 500 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
		config.DispatchConfig{
			MaxAttempts:    3,
			AcquireRetries: 2,
			AcquireBackoff: 5 * time.Millisecond,
			Workers:        1,
		},
		logger)

	return &fixture{
		store:   store,
		pool:    pool,
		backend: backend,
		disp:    disp,
		outDir:  t.TempDir(),
	}
}

func (fx *fixture) seed(t *testing.T, project string, n int) {
	t.Helper()
	var entries []ledger.SceneEntry
	for i := 1; i <= n; i++ {
		entries = append(entries, ledger.SceneEntry{
			SceneID:     i,
			SrtStart:    "00:00:00,000",
			SrtEnd:      "00:00:20,000",
			SrtText:     fmt.Sprintf("scene %d narration", i),
			ImagePrompt: fmt.Sprintf("img-prompt-%d", i),
			VideoPrompt: fmt.Sprintf("vid-prompt-%d", i),
		})
	}
	if err := fx.store.ReplaceScenes(project, entries); err != nil {
		t.Fatalf("写入场景失败: %v", err)
	}
}

func (fx *fixture) runSpec(project string, kind ledger.Kind) RunSpec {
	return RunSpec{
		ProjectCode: project,
		Kind:        kind,
		OutputPath: func(sceneID int) string {
			ext := ".png"
			if kind == ledger.KindVideo {
				ext = ".mp4"
			}
			return filepath.Join(fx.outDir, fmt.Sprintf("scene_%03d%s", sceneID, ext))
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	fx := newFixture(t, "acc-a", "acc-b")
	fx.seed(t, "KA1-0001", 3)

	summary, err := fx.disp.Run(context.Background(), fx.runSpec("KA1-0001", ledger.KindImage))
	if err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	if summary.Processed != 3 || summary.Done != 3 {
		t.Errorf("汇总不符: %+v", summary)
	}

	scenes, _ := fx.store.Scenes("KA1-0001")
	for _, sc := range scenes {
		if sc.ImageStatus != ledger.StatusDone {
			t.Errorf("场景 %d 状态应为 done: %s", sc.SceneID, sc.ImageStatus)
		}
		if _, err := os.Stat(sc.ImagePath); err != nil {
			t.Errorf("场景 %d 产物应已落盘: %v", sc.SceneID, err)
		}
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	fx := newFixture(t, "acc-a", "acc-b")
	fx.seed(t, "KA1-0001", 3)
	fx.backend.failOnce["img-prompt-2"] = "browser crashed"

	spec := fx.runSpec("KA1-0001", ledger.KindImage)

	summary, err := fx.disp.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	if summary.Done != 2 || summary.Errors != 1 {
		t.Errorf("第一轮汇总不符: %+v", summary)
	}

	sc, _ := fx.store.Scene("KA1-0001", 2)
	if sc.ImageStatus != ledger.StatusError || sc.ImageAttempts != 1 {
		t.Fatalf("场景 2 应为可重试失败: %+v", sc)
	}

	// 第二轮只处理失败的场景, 已完成的不重复提交
	summary, err = fx.disp.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("第二轮分发失败: %v", err)
	}
	if summary.Processed != 1 || summary.Done != 1 {
		t.Errorf("第二轮汇总不符: %+v", summary)
	}
	if fx.backend.submitCount("img-prompt-1") != 1 {
		t.Errorf("已完成场景不应重复提交")
	}
	if fx.backend.submitCount("img-prompt-2") != 2 {
		t.Errorf("失败场景应被重试, 提交次数 %d", fx.backend.submitCount("img-prompt-2"))
	}

	sc, _ = fx.store.Scene("KA1-0001", 2)
	if sc.ImageStatus != ledger.StatusDone {
		t.Errorf("重试后状态应为 done: %s", sc.ImageStatus)
	}
}

func TestRunPolicyRejectCountsAttempts(t *testing.T) {
	fx := newFixture(t, "acc-a")
	fx.seed(t, "KA1-0001", 2)
	fx.backend.policyReject["img-prompt-1"] = true
	spec := fx.runSpec("KA1-0001", ledger.KindImage)

	summary, err := fx.disp.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	if summary.Errors != 1 || summary.Done != 1 {
		t.Errorf("汇总不符: %+v", summary)
	}

	sc, _ := fx.store.Scene("KA1-0001", 1)
	if sc.ImageStatus != ledger.StatusError || sc.ImageAttempts != 1 {
		t.Errorf("首次被拒应计次并保持可重试: %+v", sc)
	}

	// 账号无恙, 仍可继续使用
	if fx.pool.Available() != 1 {
		t.Errorf("账号应保持可用")
	}

	// 连续被拒到达尝试上限后才转 fatal
	for i := 0; i < 2; i++ {
		if _, err := fx.disp.Run(context.Background(), spec); err != nil {
			t.Fatalf("第 %d 轮分发失败: %v", i+2, err)
		}
	}
	sc, _ = fx.store.Scene("KA1-0001", 1)
	if sc.ImageStatus != ledger.StatusFatal || sc.ImageAttempts != 3 {
		t.Errorf("尝试耗尽后应为 fatal: %+v", sc)
	}
}

func TestRunCancellationDoesNotChargeAttempt(t *testing.T) {
	fx := newFixture(t, "acc-a")
	fx.seed(t, "KA1-0001", 1)
	fx.backend.hang["img-prompt-1"] = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := fx.disp.Run(ctx, fx.runSpec("KA1-0001", ledger.KindImage))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("中止后应返回取消错误, 实际: %v", err)
	}

	sc, _ := fx.store.Scene("KA1-0001", 1)
	if sc.ImageStatus != ledger.StatusError {
		t.Errorf("被中止的条目应为 error: %s", sc.ImageStatus)
	}
	if sc.ImageAttempts != 0 {
		t.Errorf("中止不应消耗重试次数: %d", sc.ImageAttempts)
	}
	if sc.LastError != "interrupted" {
		t.Errorf("中断备注不符: %q", sc.LastError)
	}
}

func TestRunCredentialFailureBurnsAccount(t *testing.T) {
	fx := newFixture(t, "acc-a")
	fx.seed(t, "KA1-0001", 2)
	fx.backend.credentialFail = true

	_, err := fx.disp.Run(context.Background(), fx.runSpec("KA1-0001", ledger.KindImage))
	if !errors.Is(err, accounts.ErrNoAccountAvailable) {
		t.Fatalf("唯一账号被停用后应返回 ErrNoAccountAvailable, 实际: %v", err)
	}
	if !fx.pool.Exhausted() {
		t.Error("凭据失效账号应被停用")
	}

	// 条目保持可重试, 换账号后还有机会
	sc, _ := fx.store.Scene("KA1-0001", 1)
	if sc.ImageStatus != ledger.StatusError {
		t.Errorf("凭据错误的条目应为 error 以便换账号重试: %s", sc.ImageStatus)
	}
}

func TestRunEscalatesToFatalAfterMaxAttempts(t *testing.T) {
	fx := newFixture(t, "acc-a", "acc-b", "acc-c")
	fx.seed(t, "KA1-0001", 1)
	spec := fx.runSpec("KA1-0001", ledger.KindImage)

	for i := 0; i < 3; i++ {
		fx.backend.failOnce["img-prompt-1"] = "browser crashed"
		if _, err := fx.disp.Run(context.Background(), spec); err != nil {
			t.Fatalf("第 %d 轮分发失败: %v", i+1, err)
		}
	}

	sc, _ := fx.store.Scene("KA1-0001", 1)
	if sc.ImageStatus != ledger.StatusFatal || sc.ImageAttempts != 3 {
		t.Errorf("三次失败后应为 fatal: %+v", sc)
	}

	// fatal 条目不再被处理
	summary, _ := fx.disp.Run(context.Background(), spec)
	if summary.Processed != 0 {
		t.Errorf("fatal 条目不应再被处理: %+v", summary)
	}
}

func TestRunRecoversInterrupted(t *testing.T) {
	fx := newFixture(t, "acc-a")
	fx.seed(t, "KA1-0001", 1)

	// 模拟上次运行中断遗留的 in_progress
	if err := fx.store.MarkStatus("KA1-0001", 1, ledger.KindImage, ledger.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	summary, err := fx.disp.Run(context.Background(), fx.runSpec("KA1-0001", ledger.KindImage))
	if err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	if summary.Done != 1 {
		t.Errorf("中断条目应被恢复并完成: %+v", summary)
	}
}

func TestRunVideoAfterImages(t *testing.T) {
	fx := newFixture(t, "acc-a")
	fx.seed(t, "KA1-0001", 2)

	// 图片未完成时视频轮为空
	summary, err := fx.disp.Run(context.Background(), fx.runSpec("KA1-0001", ledger.KindVideo))
	if err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	if summary.Processed != 0 {
		t.Errorf("图片未完成时不应处理视频: %+v", summary)
	}

	if _, err := fx.disp.Run(context.Background(), fx.runSpec("KA1-0001", ledger.KindImage)); err != nil {
		t.Fatal(err)
	}

	summary, err = fx.disp.Run(context.Background(), fx.runSpec("KA1-0001", ledger.KindVideo))
	if err != nil {
		t.Fatalf("视频分发失败: %v", err)
	}
	if summary.Done != 2 {
		t.Errorf("视频轮汇总不符: %+v", summary)
	}

	sc, _ := fx.store.Scene("KA1-0001", 1)
	if sc.VideoStatus != ledger.StatusDone || sc.VideoPath == "" {
		t.Errorf("视频结果不符: %+v", sc)
	}

	// 视频任务应携带该场景已生成的图片
	for _, src := range fx.backend.videoSources {
		if src == "" {
			t.Error("视频提交应包含源图片路径")
		}
	}
}
