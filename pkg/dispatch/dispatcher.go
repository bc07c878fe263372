package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voice-video-workflow/pkg/accounts"
	"voice-video-workflow/pkg/config"
	"voice-video-workflow/pkg/ledger"
	"voice-video-workflow/pkg/render"
)

// Backend 渲染后端抽象，生产实现为 render.Client
type Backend interface {
	SubmitImage(ctx context.Context, sub render.Submission) (string, error)
	SubmitVideo(ctx context.Context, sub render.Submission) (string, error)
	Poll(ctx context.Context, jobID string) (*render.JobStatus, error)
	Fetch(ctx context.Context, assetURL, destPath string) error
}

// RunSpec 一轮分发的任务描述
type RunSpec struct {
	ProjectCode string
	Kind        ledger.Kind
	// OutputPath 给出场景产物的落盘路径
	OutputPath func(sceneID int) string
	// References 渲染时附带的参考图（角色图等）
	References []string
}

// Summary 一轮分发的结果汇总
type Summary struct {
	Processed int
	Done      int
	Errors    int
	Fatal     int
}

// Dispatcher 任务分发器：从台账取待处理场景，借账号提交渲染，
// 轮询结果并回写台账。
type Dispatcher struct {
	store   *ledger.Store
	pool    *accounts.Pool
	backend Backend
	logger  *zap.Logger

	imageTimeout   time.Duration
	videoTimeout   time.Duration
	pollInterval   time.Duration
	maxAttempts    int
	acquireRetries int
	acquireBackoff time.Duration
	workers        int
}

// NewDispatcher 创建分发器
func NewDispatcher(store *ledger.Store, pool *accounts.Pool, backend Backend,
	renderCfg config.RenderConfig, dispatchCfg config.DispatchConfig, logger *zap.Logger) *Dispatcher {

	d := &Dispatcher{
		store:          store,
		pool:           pool,
		backend:        backend,
		logger:         logger,
		imageTimeout:   renderCfg.ImageTimeout,
		videoTimeout:   renderCfg.VideoTimeout,
		pollInterval:   renderCfg.PollInterval,
		maxAttempts:    dispatchCfg.MaxAttempts,
		acquireRetries: dispatchCfg.AcquireRetries,
		acquireBackoff: dispatchCfg.AcquireBackoff,
		workers:        dispatchCfg.Workers,
	}
	if d.imageTimeout <= 0 {
		d.imageTimeout = 2 * time.Minute
	}
	if d.videoTimeout <= 0 {
		d.videoTimeout = 5 * time.Minute
	}
	if d.pollInterval <= 0 {
		d.pollInterval = 3 * time.Second
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 3
	}
	if d.acquireRetries <= 0 {
		d.acquireRetries = 5
	}
	if d.acquireBackoff <= 0 {
		d.acquireBackoff = 2 * time.Second
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	return d
}

// Run 执行一轮分发。先恢复上次中断遗留的条目，再按场景顺序
// 处理全部待办。单个场景的失败不中断本轮；账号池耗尽则提前
// 返回 accounts.ErrNoAccountAvailable。
func (d *Dispatcher) Run(ctx context.Context, spec RunSpec) (*Summary, error) {
	recovered, err := d.store.RecoverInterrupted(spec.ProjectCode)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		d.logger.Warn("恢复上次中断遗留的条目",
			zap.String("project", spec.ProjectCode),
			zap.Int64("count", recovered))
	}

	pending, err := d.store.Pending(spec.ProjectCode, spec.Kind)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	if len(pending) == 0 {
		return summary, nil
	}

	d.logger.Info("开始分发",
		zap.String("project", spec.ProjectCode),
		zap.String("kind", string(spec.Kind)),
		zap.Int("pending", len(pending)),
		zap.Int("workers", d.workers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for _, entry := range pending {
		entry := entry
		g.Go(func() error {
			status, err := d.processScene(gctx, spec, &entry)
			if err != nil {
				return err
			}
			mu.Lock()
			summary.Processed++
			switch status {
			case ledger.StatusDone:
				summary.Done++
			case ledger.StatusFatal:
				summary.Fatal++
			default:
				summary.Errors++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

// processScene 处理单个场景，返回其最终状态。
// 返回的 error 只用于中止整轮（账号耗尽、ctx取消、台账写入失败）。
func (d *Dispatcher) processScene(ctx context.Context, spec RunSpec, entry *ledger.SceneEntry) (ledger.Status, error) {
	acc, err := d.acquireAccount(ctx)
	if err != nil {
		return "", err
	}

	if err := d.store.MarkStatus(spec.ProjectCode, entry.SceneID, spec.Kind, ledger.StatusInProgress); err != nil {
		d.pool.Release(acc, accounts.OutcomeSuccess)
		return "", err
	}

	status, outcome := d.renderScene(ctx, spec, entry, acc)
	d.pool.Release(acc, outcome)

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return status, nil
}

// acquireAccount 带退避重试地借出账号
func (d *Dispatcher) acquireAccount(ctx context.Context) (*accounts.Account, error) {
	backoff := d.acquireBackoff
	for attempt := 0; ; attempt++ {
		acc, err := d.pool.Acquire()
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, accounts.ErrNoAccountAvailable) {
			return nil, err
		}
		if d.pool.Exhausted() || attempt >= d.acquireRetries {
			return nil, fmt.Errorf("账号池耗尽: %w", accounts.ErrNoAccountAvailable)
		}

		d.logger.Debug("暂无可用账号, 等待重试",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// renderScene 用指定账号完成一个场景的提交、轮询与产物下载，
// 并把结果写回台账。
func (d *Dispatcher) renderScene(ctx context.Context, spec RunSpec, entry *ledger.SceneEntry, acc *accounts.Account) (ledger.Status, accounts.Outcome) {
	sub := render.Submission{
		Account:     acc.Name,
		CookiesFile: acc.CookiesFile,
		References:  spec.References,
		RequestID:   uuid.New().String(),
	}

	var jobID string
	var err error
	var timeout time.Duration
	switch spec.Kind {
	case ledger.KindVideo:
		sub.Prompt = entry.VideoPrompt
		sub.SourceImage = entry.ImagePath
		timeout = d.videoTimeout
		jobID, err = d.backend.SubmitVideo(ctx, sub)
	default:
		sub.Prompt = entry.ImagePrompt
		timeout = d.imageTimeout
		jobID, err = d.backend.SubmitImage(ctx, sub)
	}
	if err != nil {
		return d.failFromError(ctx, spec, entry, "submit", err)
	}

	d.logger.Info("任务已提交",
		zap.String("project", spec.ProjectCode),
		zap.Int("scene", entry.SceneID),
		zap.String("kind", string(spec.Kind)),
		zap.String("account", acc.Name),
		zap.String("job_id", jobID))

	status, err := d.waitForJob(ctx, jobID, timeout)
	if err != nil {
		return d.failFromError(ctx, spec, entry, "poll", err)
	}
	if status.State == render.JobFailed {
		// 审核拒绝不怪账号, 条目照常计次重试,
		// 连续被拒到达尝试上限后才转 fatal
		if status.Fatal {
			return d.fail(spec, entry, status.Reason, false), accounts.OutcomeSuccess
		}
		return d.fail(spec, entry, status.Reason, false), accounts.OutcomeTransient
	}

	dest := spec.OutputPath(entry.SceneID)
	if err := d.backend.Fetch(ctx, status.AssetURL, dest); err != nil {
		return d.failFromError(ctx, spec, entry, "fetch", err)
	}

	if err := d.store.RecordResult(spec.ProjectCode, entry.SceneID, spec.Kind, dest); err != nil {
		d.logger.Error("回写台账失败", zap.Error(err))
		return ledger.StatusError, accounts.OutcomeSuccess
	}

	d.logger.Info("场景完成",
		zap.String("project", spec.ProjectCode),
		zap.Int("scene", entry.SceneID),
		zap.String("kind", string(spec.Kind)),
		zap.String("output", dest))
	return ledger.StatusDone, accounts.OutcomeSuccess
}

// waitForJob 轮询任务直到完成、失败或超时
func (d *Dispatcher) waitForJob(ctx context.Context, jobID string, timeout time.Duration) (*render.JobStatus, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("任务 %s 等待超时 (%v)", jobID, timeout)
		case <-ticker.C:
			status, err := d.backend.Poll(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if status.State != render.JobRunning {
				return status, nil
			}
		}
	}
}

// failFromError 按错误性质登记失败：运行被中止时不消耗重试次数；
// 凭据错误停用账号但条目可换账号重试；其余暂时性错误计入账号
// 失败并重试。
func (d *Dispatcher) failFromError(ctx context.Context, spec RunSpec, entry *ledger.SceneEntry, stage string, err error) (ledger.Status, accounts.Outcome) {
	if ctx.Err() != nil {
		if mErr := d.store.MarkInterrupted(spec.ProjectCode, entry.SceneID, spec.Kind); mErr != nil {
			d.logger.Error("登记中断状态失败", zap.Error(mErr))
		}
		return ledger.StatusError, accounts.OutcomeSuccess
	}
	reason := fmt.Sprintf("%s: %v", stage, err)
	if render.IsCredential(err) {
		return d.fail(spec, entry, reason, false), accounts.OutcomeFatal
	}
	return d.fail(spec, entry, reason, false), accounts.OutcomeTransient
}

// fail 把失败写入台账, 返回条目最终状态
func (d *Dispatcher) fail(spec RunSpec, entry *ledger.SceneEntry, reason string, fatal bool) ledger.Status {
	status, err := d.store.RecordFailure(spec.ProjectCode, entry.SceneID, spec.Kind, reason, fatal, d.maxAttempts)
	if err != nil {
		d.logger.Error("登记失败记录出错", zap.Error(err))
		status = ledger.StatusError
	}

	d.logger.Warn("场景处理失败",
		zap.String("project", spec.ProjectCode),
		zap.Int("scene", entry.SceneID),
		zap.String("kind", string(spec.Kind)),
		zap.String("reason", reason),
		zap.String("status", string(status)))
	return status
}
