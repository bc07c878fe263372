package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"voice-video-workflow/pkg/accounts"
	"voice-video-workflow/pkg/config"
	"voice-video-workflow/pkg/dispatch"
	"voice-video-workflow/pkg/ledger"
	"voice-video-workflow/pkg/project"
	"voice-video-workflow/pkg/prompts"
	"voice-video-workflow/pkg/render"
	"voice-video-workflow/pkg/transcribe"
	"voice-video-workflow/pkg/workflow"
)

// app 按配置装配出的运行时依赖
type app struct {
	cfg      *config.Config
	store    *ledger.Store
	projects *project.Manager
	logger   *zap.Logger
}

// newApp 加载配置并打开台账
func newApp(logger *zap.Logger, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.ProjectRoot, 0755); err != nil {
		return nil, fmt.Errorf("创建项目根目录失败: %w", err)
	}

	store, err := ledger.Open(filepath.Join(cfg.ProjectRoot, "ledger.db"))
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    store,
		projects: project.NewManager(cfg.ProjectRoot),
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// buildWorkflow 装配完整流水线
func (a *app) buildWorkflow() (*workflow.Workflow, error) {
	generator, err := prompts.NewGenerator(a.cfg.LLM, a.logger)
	if err != nil {
		return nil, err
	}

	pool := accounts.NewPool(a.cfg.Accounts, a.cfg.Pool, a.logger)
	backend := render.NewClient(a.logger, a.cfg.Render.BaseURL)
	dispatcher := dispatch.NewDispatcher(a.store, pool, backend,
		a.cfg.Render, a.cfg.Dispatch, a.logger)
	transcriber := transcribe.NewClient(a.cfg.Transcribe, a.logger)

	return workflow.New(a.store, a.projects, transcriber, generator,
		dispatcher, a.cfg.Scene, a.logger), nil
}
