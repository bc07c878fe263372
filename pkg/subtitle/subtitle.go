package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SRT字幕条目，时间单位为秒
type Cue struct {
	ID    int
	Start float64
	End   float64
	Text  string
}

// Scene 一组连续字幕合并成的场景片段
type Scene struct {
	Index int
	Start float64
	End   float64
	Text  string
}

// Duration 场景时长（秒）
func (s Scene) Duration() float64 {
	return s.End - s.Start
}

// ParseTime 解析 SRT 时间格式 HH:MM:SS,mmm 为秒
func ParseTime(timeStr string) (float64, error) {
	timeStr = strings.TrimSpace(timeStr)
	parts := strings.Split(timeStr, ",")
	if len(parts) != 2 {
		return 0, fmt.Errorf("时间格式不合法: %s", timeStr)
	}
	hms := strings.Split(parts[0], ":")
	if len(hms) != 3 {
		return 0, fmt.Errorf("时间格式不合法: %s", timeStr)
	}

	hour, err := strconv.Atoi(hms[0])
	if err != nil {
		return 0, fmt.Errorf("时间格式不合法: %s", timeStr)
	}
	minute, err := strconv.Atoi(hms[1])
	if err != nil {
		return 0, fmt.Errorf("时间格式不合法: %s", timeStr)
	}
	second, err := strconv.Atoi(hms[2])
	if err != nil {
		return 0, fmt.Errorf("时间格式不合法: %s", timeStr)
	}
	ms, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("时间格式不合法: %s", timeStr)
	}

	return float64(hour*3600+minute*60+second) + float64(ms)/1000, nil
}

// FormatTime 将秒格式化为 SRT 时间 HH:MM:SS,mmm
func FormatTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Parse 从 reader 解析 SRT 字幕
func Parse(r io.Reader) ([]Cue, error) {
	var cues []Cue
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	current := Cue{}
	state := 0 // 0: ID, 1: Time, 2: Text

	flush := func() {
		if current.ID != 0 && current.Text != "" {
			cues = append(cues, current)
		}
		current = Cue{}
		state = 0
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "\uFEFF")

		if line == "" {
			flush()
			continue
		}

		switch state {
		case 0:
			id, err := strconv.Atoi(line)
			if err != nil {
				continue
			}
			current.ID = id
			state = 1
		case 1:
			parts := strings.Split(line, "-->")
			if len(parts) == 2 {
				start, err1 := ParseTime(parts[0])
				end, err2 := ParseTime(parts[1])
				if err1 == nil && err2 == nil {
					current.Start = start
					current.End = end
				}
			}
			state = 2
		case 2:
			if current.Text == "" {
				current.Text = line
			} else {
				current.Text += "\n" + line
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取字幕内容失败: %w", err)
	}
	flush()

	if len(cues) == 0 {
		return nil, fmt.Errorf("字幕内容为空或格式不合法")
	}
	return cues, nil
}

// ParseFile 解析 SRT 字幕文件
func ParseFile(path string) ([]Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开字幕文件失败: %w", err)
	}
	defer f.Close()

	cues, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("解析字幕文件 %s 失败: %w", path, err)
	}
	return cues, nil
}

// 句末标点，分组时优先在这些位置断开
const sentenceEnders = ".!?。！？…"

func endsSentence(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	return strings.ContainsRune(sentenceEnders, runes[len(runes)-1])
}

// GroupScenes 按时长边界把字幕条目合并为场景：
// 累计时长达到 minDuration 后，遇到句末标点即断开；
// 超过 maxDuration 则无论如何断开。尾部不足 minDuration 的
// 残余并入前一个场景。
func GroupScenes(cues []Cue, minDuration, maxDuration float64) []Scene {
	if len(cues) == 0 {
		return nil
	}

	var scenes []Scene
	var texts []string
	start := cues[0].Start
	end := cues[0].End

	emit := func() {
		scenes = append(scenes, Scene{
			Index: len(scenes) + 1,
			Start: start,
			End:   end,
			Text:  strings.Join(texts, " "),
		})
		texts = nil
	}

	for i, cue := range cues {
		if texts == nil {
			start = cue.Start
		}
		end = cue.End
		texts = append(texts, strings.ReplaceAll(cue.Text, "\n", " "))

		dur := end - start
		last := i == len(cues)-1
		if last {
			break
		}

		if dur >= maxDuration {
			emit()
		} else if dur >= minDuration && endsSentence(cue.Text) {
			emit()
		}
	}

	// 收尾：残余不足 minDuration 时并入前一个场景
	if texts != nil {
		if end-start < minDuration && len(scenes) > 0 {
			prev := &scenes[len(scenes)-1]
			prev.End = end
			prev.Text = prev.Text + " " + strings.Join(texts, " ")
		} else {
			emit()
		}
	}

	return scenes
}

// WriteFile 把字幕条目写成 SRT 文件
func WriteFile(path string, cues []Cue) error {
	var sb strings.Builder
	for i, cue := range cues {
		fmt.Fprintf(&sb, "%d\n%s --> %s\n%s\n\n",
			i+1, FormatTime(cue.Start), FormatTime(cue.End), cue.Text)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("写入字幕文件失败: %w", err)
	}
	return nil
}

// FullText 拼接全部字幕文本，供角色识别使用
func FullText(cues []Cue) string {
	parts := make([]string, 0, len(cues))
	for _, cue := range cues {
		parts = append(parts, strings.ReplaceAll(cue.Text, "\n", " "))
	}
	return strings.Join(parts, " ")
}
