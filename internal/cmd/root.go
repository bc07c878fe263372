package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voice-video-workflow/pkg/ledger"
	"voice-video-workflow/pkg/server"
	"voice-video-workflow/pkg/workflow"
)

// NewRootCommand 构建根命令
func NewRootCommand(logger *zap.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "vvw",
		Short:         "语音驱动的图片/视频内容生产流水线",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径 (默认查找 ./config.yaml)")

	cmd.AddCommand(
		newListCommand(logger, &configPath),
		newInitCommand(logger, &configPath),
		newStatusCommand(logger, &configPath),
		newRunCommand(logger, &configPath),
		newServeCommand(logger, &configPath),
	)

	return cmd
}

// newListCommand 列出全部项目及进度
func newListCommand(logger *zap.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出全部项目及其进度",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(logger, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			codes, err := a.projects.List()
			if err != nil {
				return err
			}
			if len(codes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "暂无项目")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tSCENES\tIMG DONE\tVID DONE\tFATAL")
			for _, code := range codes {
				stats, err := a.store.Stats(code)
				if err != nil {
					return err
				}
				fatal := stats.ImageFatal + stats.VideoFatal
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
					code, stats.TotalScenes, stats.ImageDone, stats.VideoDone, fatal)
			}
			return w.Flush()
		},
	}
}

// newInitCommand 初始化项目目录
func newInitCommand(logger *zap.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init <code> <voice-file>",
		Short: "初始化项目目录并登记语音源文件",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(logger, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			voicePath := ""
			if len(args) > 1 {
				voicePath = args[1]
			}
			st, err := a.projects.Init(args[0], voicePath)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "项目 %s 已初始化: %s\n", st.Code, st.Root)
			if st.VoiceFile != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "语音源文件: %s\n", st.VoiceFile)
			}
			return nil
		},
	}
}

// newStatusCommand 查看单个项目进度
func newStatusCommand(logger *zap.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <code>",
		Short: "查看项目进度",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(logger, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			code := args[0]
			stats, err := a.store.Stats(code)
			if err != nil {
				return err
			}
			if stats.TotalScenes == 0 {
				return fmt.Errorf("项目 %s 尚无场景台账", code)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "项目: %s\n", code)
			fmt.Fprintf(out, "场景总数: %d\n", stats.TotalScenes)
			fmt.Fprintf(out, "角色数: %d\n", stats.Characters)
			fmt.Fprintf(out, "提示词就绪: %v\n", stats.PromptsReady)
			fmt.Fprintf(out, "图片: 完成 %d / 重试中 %d / 失败 %d\n",
				stats.ImageDone, stats.ImageError, stats.ImageFatal)
			fmt.Fprintf(out, "视频: 完成 %d / 重试中 %d / 失败 %d\n",
				stats.VideoDone, stats.VideoError, stats.VideoFatal)

			scenes, err := a.store.Scenes(code)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCENE\tRANGE\tIMAGE\tVIDEO\tLAST ERROR")
			for _, sc := range scenes {
				fmt.Fprintf(w, "%03d\t%s - %s\t%s\t%s\t%s\n",
					sc.SceneID, sc.SrtStart, sc.SrtEnd, sc.ImageStatus, sc.VideoStatus, sc.LastError)
			}
			return w.Flush()
		},
	}
}

// newRunCommand 执行流水线步骤
func newRunCommand(logger *zap.Logger, configPath *string) *cobra.Command {
	var (
		steps            []string
		overwritePrompts bool
		onlyImage        bool
		onlyVideo        bool
		regenImages      bool
		regenVideos      bool
	)
	cmd := &cobra.Command{
		Use:   "run <code>",
		Short: "执行项目流水线",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if onlyImage && onlyVideo {
				return fmt.Errorf("--only-image 与 --only-video 不能同时使用")
			}
			if onlyImage {
				steps = []string{workflow.StepImage}
			}
			if onlyVideo {
				steps = []string{workflow.StepVideo}
			}

			a, err := newApp(logger, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			wf, err := a.buildWorkflow()
			if err != nil {
				return err
			}

			code := args[0]
			if regenImages {
				if err := a.store.ResetForRegeneration(code, ledger.KindImage); err != nil {
					return err
				}
			}
			if regenVideos {
				if err := a.store.ResetForRegeneration(code, ledger.KindVideo); err != nil {
					return err
				}
			}
			runErr := wf.RunSteps(cmd.Context(), code, steps, workflow.Options{
				OverwritePrompts: overwritePrompts,
			})
			if runErr != nil {
				return runErr
			}

			stats, err := a.store.Stats(code)
			if err != nil {
				return err
			}
			if stats.HasFatal() {
				return fmt.Errorf("项目 %s 存在 %d 个无法完成的条目, 详见 status",
					code, stats.ImageFatal+stats.VideoFatal)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "项目 %s 流水线执行完毕\n", code)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&steps, "steps", []string{"all"},
		"要执行的步骤: voice_to_srt, prompts, image, video, all")
	cmd.Flags().BoolVar(&overwritePrompts, "overwrite-prompts", false, "重写已有提示词")
	cmd.Flags().BoolVar(&onlyImage, "only-image", false, "只执行图片渲染")
	cmd.Flags().BoolVar(&onlyVideo, "only-video", false, "只执行视频渲染")
	cmd.Flags().BoolVar(&regenImages, "regenerate-images", false, "重置图片状态, 强制全部重新生成")
	cmd.Flags().BoolVar(&regenVideos, "regenerate-videos", false, "重置视频状态, 强制全部重新生成")

	return cmd
}

// newServeCommand 启动只读状态API
func newServeCommand(logger *zap.Logger, configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动只读状态查询服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(logger, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			return server.New(a.store, logger).Run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "监听地址")
	return cmd
}

// Execute 运行CLI
func Execute() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := NewRootCommand(logger).Execute(); err != nil {
		logger.Error("命令执行失败", zap.Error(err))
		os.Exit(1)
	}
}
