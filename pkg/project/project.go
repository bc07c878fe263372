package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// 项目代号格式，如 KA1-0001
var codePattern = regexp.MustCompile(`^[A-Z0-9]+-[0-9]+$`)

// 支持的语音源文件扩展名
var voiceExtensions = map[string]bool{
	".mp3": true,
	".wav": true,
	".m4a": true,
	".aac": true,
	".ogg": true,
}

// Structure 单个项目的目录结构
type Structure struct {
	Code       string
	Root       string
	VoiceFile  string
	SrtDir     string
	PromptsDir string
	CharDir    string
	ImageDir   string
	VideoDir   string
	LogDir     string
}

// SrtFile 字幕文件路径
func (s *Structure) SrtFile() string {
	return filepath.Join(s.SrtDir, s.Code+".srt")
}

// PromptsFile 提示词导出文件路径
func (s *Structure) PromptsFile() string {
	return filepath.Join(s.PromptsDir, "prompts.json")
}

// ImageFile 场景图片输出路径
func (s *Structure) ImageFile(sceneID int) string {
	return filepath.Join(s.ImageDir, fmt.Sprintf("scene_%03d.png", sceneID))
}

// VideoFile 场景视频输出路径
func (s *Structure) VideoFile(sceneID int) string {
	return filepath.Join(s.VideoDir, fmt.Sprintf("scene_%03d.mp4", sceneID))
}

// CharacterImage 角色参考图路径
func (s *Structure) CharacterImage(charID string) string {
	return filepath.Join(s.CharDir, charID+".png")
}

// Manager 项目目录管理器
type Manager struct {
	root string
}

// NewManager 创建管理器，root 为全部项目的根目录
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// ValidateCode 校验项目代号格式
func ValidateCode(code string) error {
	if !codePattern.MatchString(code) {
		return fmt.Errorf("项目代号不合法: %s (应形如 KA1-0001)", code)
	}
	return nil
}

// Init 初始化项目目录结构并登记语音源文件。
// voicePath 为空时在项目目录下查找已有音频文件。
func (m *Manager) Init(code, voicePath string) (*Structure, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	root := filepath.Join(m.root, code)
	st := &Structure{
		Code:       code,
		Root:       root,
		SrtDir:     filepath.Join(root, "srt"),
		PromptsDir: filepath.Join(root, "prompts"),
		CharDir:    filepath.Join(root, "nv"),
		ImageDir:   filepath.Join(root, "img"),
		VideoDir:   filepath.Join(root, "vid"),
		LogDir:     filepath.Join(root, "logs"),
	}

	for _, dir := range []string{st.SrtDir, st.PromptsDir, st.CharDir, st.ImageDir, st.VideoDir, st.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建项目目录失败: %w", err)
		}
	}

	if voicePath != "" {
		if _, err := os.Stat(voicePath); err != nil {
			return nil, fmt.Errorf("语音源文件不存在: %s", voicePath)
		}
		dest := filepath.Join(root, code+filepath.Ext(voicePath))
		if voicePath != dest {
			if err := copyFile(voicePath, dest); err != nil {
				return nil, fmt.Errorf("复制语音源文件失败: %w", err)
			}
		}
		st.VoiceFile = dest
		return st, nil
	}

	voice, err := findVoiceFile(root)
	if err != nil {
		return nil, err
	}
	st.VoiceFile = voice
	return st, nil
}

// Load 加载已初始化的项目结构
func (m *Manager) Load(code string) (*Structure, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	root := filepath.Join(m.root, code)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("项目 %s 尚未初始化", code)
	}

	st := &Structure{
		Code:       code,
		Root:       root,
		SrtDir:     filepath.Join(root, "srt"),
		PromptsDir: filepath.Join(root, "prompts"),
		CharDir:    filepath.Join(root, "nv"),
		ImageDir:   filepath.Join(root, "img"),
		VideoDir:   filepath.Join(root, "vid"),
		LogDir:     filepath.Join(root, "logs"),
	}
	if voice, err := findVoiceFile(root); err == nil {
		st.VoiceFile = voice
	}
	return st, nil
}

// List 列出根目录下全部项目代号
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取项目根目录失败: %w", err)
	}

	var codes []string
	for _, e := range entries {
		if e.IsDir() && codePattern.MatchString(e.Name()) {
			codes = append(codes, e.Name())
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// SaveJSON 序列化数据写入文件
func SaveJSON(path string, data interface{}) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("写入JSON文件失败: %w", err)
	}
	return nil
}

// findVoiceFile 在项目目录下查找音频源文件
func findVoiceFile(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("读取项目目录失败: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if voiceExtensions[ext] {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("项目目录下未找到语音源文件")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
