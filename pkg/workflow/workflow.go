package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"voice-video-workflow/pkg/config"
	"voice-video-workflow/pkg/dispatch"
	"voice-video-workflow/pkg/ledger"
	"voice-video-workflow/pkg/project"
	"voice-video-workflow/pkg/prompts"
	"voice-video-workflow/pkg/subtitle"
	"voice-video-workflow/pkg/transcribe"
)

// 流水线步骤名
const (
	StepVoiceToSrt = "voice_to_srt"
	StepPrompts    = "prompts"
	StepImage      = "image"
	StepVideo      = "video"
	StepAll        = "all"
)

// ErrPromptsNotReady 提示词尚未生成完整, 渲染步骤无法开始
var ErrPromptsNotReady = errors.New("prompts are not ready")

// Transcriber 语音转写抽象
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]transcribe.Segment, error)
}

// PromptGenerator 提示词生成抽象
type PromptGenerator interface {
	IdentifyCharacters(ctx context.Context, fullText string) ([]ledger.CharacterEntry, error)
	GenerateScenePrompts(ctx context.Context, sceneText, characterSheet string) (*prompts.ScenePrompts, error)
}

// Runner 渲染分发抽象
type Runner interface {
	Run(ctx context.Context, spec dispatch.RunSpec) (*dispatch.Summary, error)
}

// Options 运行选项
type Options struct {
	OverwritePrompts bool
}

// Workflow 项目流水线编排器
type Workflow struct {
	store       *ledger.Store
	projects    *project.Manager
	transcriber Transcriber
	generator   PromptGenerator
	runner      Runner
	sceneCfg    config.SceneConfig
	logger      *zap.Logger
}

// New 创建流水线编排器
func New(store *ledger.Store, projects *project.Manager, transcriber Transcriber,
	generator PromptGenerator, runner Runner, sceneCfg config.SceneConfig, logger *zap.Logger) *Workflow {

	return &Workflow{
		store:       store,
		projects:    projects,
		transcriber: transcriber,
		generator:   generator,
		runner:      runner,
		sceneCfg:    sceneCfg,
		logger:      logger,
	}
}

// RunSteps 按顺序执行指定步骤。all 展开为完整流水线。
func (w *Workflow) RunSteps(ctx context.Context, code string, steps []string, opts Options) error {
	st, err := w.projects.Load(code)
	if err != nil {
		return err
	}

	expanded := expandSteps(steps)
	for _, step := range expanded {
		w.logger.Info("执行步骤", zap.String("project", code), zap.String("step", step))
		switch step {
		case StepVoiceToSrt:
			err = w.VoiceToSrt(ctx, st)
		case StepPrompts:
			err = w.GeneratePrompts(ctx, st, opts.OverwritePrompts)
		case StepImage:
			err = w.RenderImages(ctx, st)
		case StepVideo:
			err = w.RenderVideos(ctx, st)
		default:
			err = fmt.Errorf("未知步骤: %s", step)
		}
		if err != nil {
			return fmt.Errorf("步骤 %s 失败: %w", step, err)
		}
	}
	return nil
}

func expandSteps(steps []string) []string {
	for _, s := range steps {
		if s == StepAll {
			return []string{StepVoiceToSrt, StepPrompts, StepImage, StepVideo}
		}
	}
	if len(steps) == 0 {
		return []string{StepVoiceToSrt, StepPrompts, StepImage, StepVideo}
	}
	return steps
}

// VoiceToSrt 语音转字幕并初始化场景台账。
// 台账已有场景时一律跳过初始化, 避免覆盖已完成的进度;
// 字幕文件丢失则从台账行重建。
func (w *Workflow) VoiceToSrt(ctx context.Context, st *project.Structure) error {
	existing, err := w.store.Scenes(st.Code)
	if err != nil {
		return err
	}
	srtPath := st.SrtFile()
	if len(existing) > 0 {
		if _, statErr := os.Stat(srtPath); statErr != nil {
			if err := w.rebuildSrt(srtPath, existing); err != nil {
				return err
			}
			w.logger.Info("字幕文件已从台账重建", zap.String("file", srtPath))
		}
		w.logger.Info("场景台账已存在, 跳过转写", zap.String("project", st.Code))
		return nil
	}

	var cues []subtitle.Cue
	if _, statErr := os.Stat(srtPath); statErr == nil {
		// 字幕文件已有, 直接解析
		cues, err = subtitle.ParseFile(srtPath)
		if err != nil {
			return err
		}
	} else {
		if st.VoiceFile == "" {
			return fmt.Errorf("项目 %s 没有语音源文件", st.Code)
		}
		segments, err := w.transcriber.Transcribe(ctx, st.VoiceFile)
		if err != nil {
			return fmt.Errorf("语音转写失败: %w", err)
		}
		cues = transcribe.ToCues(segments)
		if err := subtitle.WriteFile(srtPath, cues); err != nil {
			return err
		}
		w.logger.Info("字幕已生成", zap.String("file", srtPath), zap.Int("cues", len(cues)))
	}

	scenes := subtitle.GroupScenes(cues, w.sceneCfg.MinDuration, w.sceneCfg.MaxDuration)
	if len(scenes) == 0 {
		return fmt.Errorf("字幕分组结果为空")
	}

	entries := make([]ledger.SceneEntry, 0, len(scenes))
	for _, sc := range scenes {
		entries = append(entries, ledger.SceneEntry{
			SceneID:  sc.Index,
			SrtStart: subtitle.FormatTime(sc.Start),
			SrtEnd:   subtitle.FormatTime(sc.End),
			SrtText:  sc.Text,
		})
	}
	if err := w.store.ReplaceScenes(st.Code, entries); err != nil {
		return err
	}

	w.logger.Info("场景台账已初始化",
		zap.String("project", st.Code),
		zap.Int("scenes", len(entries)))
	return nil
}

// rebuildSrt 按台账里的场景时间轴重写字幕文件
func (w *Workflow) rebuildSrt(path string, entries []ledger.SceneEntry) error {
	cues := make([]subtitle.Cue, 0, len(entries))
	for _, e := range entries {
		start, err := subtitle.ParseTime(e.SrtStart)
		if err != nil {
			return fmt.Errorf("场景 %d 起始时间不合法: %w", e.SceneID, err)
		}
		end, err := subtitle.ParseTime(e.SrtEnd)
		if err != nil {
			return fmt.Errorf("场景 %d 结束时间不合法: %w", e.SceneID, err)
		}
		cues = append(cues, subtitle.Cue{ID: e.SceneID, Start: start, End: end, Text: e.SrtText})
	}
	return subtitle.WriteFile(path, cues)
}

// GeneratePrompts 识别角色并为每个场景生成提示词。
// 已有提示词的场景默认跳过, overwrite 为真时全部重写。
func (w *Workflow) GeneratePrompts(ctx context.Context, st *project.Structure, overwrite bool) error {
	scenes, err := w.store.Scenes(st.Code)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return fmt.Errorf("项目 %s 尚无场景台账, 请先执行 %s 步骤", st.Code, StepVoiceToSrt)
	}

	chars, err := w.store.Characters(st.Code)
	if err != nil {
		return err
	}
	if len(chars) == 0 || overwrite {
		fullText := ""
		for _, sc := range scenes {
			fullText += sc.SrtText + " "
		}
		identified, err := w.generator.IdentifyCharacters(ctx, fullText)
		if err != nil {
			return err
		}
		for i := range identified {
			identified[i].ProjectCode = st.Code
			if err := w.store.UpsertCharacter(&identified[i]); err != nil {
				return err
			}
		}
		chars = identified
	}

	sheet := prompts.CharacterSheet(chars)
	generated := 0
	failed := 0
	for _, sc := range scenes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !overwrite && sc.ImagePrompt != "" && sc.VideoPrompt != "" {
			continue
		}
		result, err := w.generator.GenerateScenePrompts(ctx, sc.SrtText, sheet)
		if err != nil {
			// 单场景失败不中断, 重跑本步骤时只补生成缺失的场景
			w.logger.Warn("场景提示词生成失败",
				zap.String("project", st.Code),
				zap.Int("scene", sc.SceneID),
				zap.Error(err))
			failed++
			continue
		}
		if err := w.store.SavePrompts(st.Code, sc.SceneID, result.ImagePrompt, result.VideoPrompt); err != nil {
			return err
		}
		generated++
	}

	w.logger.Info("提示词生成完成",
		zap.String("project", st.Code),
		zap.Int("generated", generated),
		zap.Int("failed", failed),
		zap.Int("skipped", len(scenes)-generated-failed))

	if err := w.exportPrompts(st); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d 个场景提示词生成失败, 可重跑 %s 步骤补全", failed, StepPrompts)
	}
	return nil
}

// exportPrompts 把提示词导出为 prompts.json 供人工检查
func (w *Workflow) exportPrompts(st *project.Structure) error {
	scenes, err := w.store.Scenes(st.Code)
	if err != nil {
		return err
	}
	chars, err := w.store.Characters(st.Code)
	if err != nil {
		return err
	}
	return project.SaveJSON(st.PromptsFile(), map[string]interface{}{
		"project":    st.Code,
		"characters": chars,
		"scenes":     scenes,
	})
}

// RenderImages 分发全部待处理的图片任务
func (w *Workflow) RenderImages(ctx context.Context, st *project.Structure) error {
	return w.renderKind(ctx, st, ledger.KindImage)
}

// RenderVideos 分发全部待处理的视频任务
func (w *Workflow) RenderVideos(ctx context.Context, st *project.Structure) error {
	return w.renderKind(ctx, st, ledger.KindVideo)
}

func (w *Workflow) renderKind(ctx context.Context, st *project.Structure, kind ledger.Kind) error {
	ready, err := w.store.HasPrompts(st.Code)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("%w: 请先执行 %s 步骤", ErrPromptsNotReady, StepPrompts)
	}

	spec := dispatch.RunSpec{
		ProjectCode: st.Code,
		Kind:        kind,
		References:  w.characterReferences(st),
	}
	if kind == ledger.KindVideo {
		spec.OutputPath = st.VideoFile
	} else {
		spec.OutputPath = st.ImageFile
	}

	summary, err := w.runner.Run(ctx, spec)
	if err != nil {
		return err
	}

	w.logger.Info("渲染轮次结束",
		zap.String("project", st.Code),
		zap.String("kind", string(kind)),
		zap.Int("processed", summary.Processed),
		zap.Int("done", summary.Done),
		zap.Int("errors", summary.Errors),
		zap.Int("fatal", summary.Fatal))
	return nil
}

// characterReferences 收集已落盘的角色参考图
func (w *Workflow) characterReferences(st *project.Structure) []string {
	chars, err := w.store.Characters(st.Code)
	if err != nil {
		w.logger.Warn("读取角色列表失败", zap.Error(err))
		return nil
	}
	var refs []string
	for _, c := range chars {
		path := st.CharacterImage(c.CharID)
		if _, err := os.Stat(path); err == nil {
			refs = append(refs, path)
		}
	}
	return refs
}
