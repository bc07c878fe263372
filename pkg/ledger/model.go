package ledger

import "time"

// Status 条目处理状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusFatal      Status = "fatal"
)

// Kind 产物类型
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// BaseModel 基础模型，包含公共字段
type BaseModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SceneEntry 场景台账条目，对应一个字幕分组
type SceneEntry struct {
	BaseModel
	ProjectCode   string  `gorm:"size:64;not null;uniqueIndex:idx_project_scene,priority:1" json:"project_code"`
	SceneID       int     `gorm:"not null;uniqueIndex:idx_project_scene,priority:2" json:"scene_id"`
	SrtStart      string  `gorm:"size:32;not null" json:"srt_start"`
	SrtEnd        string  `gorm:"size:32;not null" json:"srt_end"`
	SrtText       string  `gorm:"type:text;not null" json:"srt_text"`
	ImagePrompt   string  `gorm:"column:img_prompt;type:text" json:"img_prompt"`
	VideoPrompt   string  `gorm:"type:text" json:"video_prompt"`
	ImagePath     string  `gorm:"column:img_path;size:512" json:"img_path"`
	VideoPath     string  `gorm:"size:512" json:"video_path"`
	ImageStatus   Status  `gorm:"size:20;default:pending" json:"status_img"`
	VideoStatus   Status  `gorm:"size:20;default:pending" json:"status_vid"`
	ImageAttempts int     `gorm:"default:0" json:"image_attempts"`
	VideoAttempts int     `gorm:"default:0" json:"video_attempts"`
	LastError     string  `gorm:"type:text" json:"last_error"`
}

// TableName 指定表名
func (SceneEntry) TableName() string {
	return "scenes"
}

// StatusFor 返回指定产物类型的状态
func (s *SceneEntry) StatusFor(kind Kind) Status {
	if kind == KindVideo {
		return s.VideoStatus
	}
	return s.ImageStatus
}

// AttemptsFor 返回指定产物类型的尝试次数
func (s *SceneEntry) AttemptsFor(kind Kind) int {
	if kind == KindVideo {
		return s.VideoAttempts
	}
	return s.ImageAttempts
}

// CharacterEntry 角色台账条目
type CharacterEntry struct {
	BaseModel
	ProjectCode string `gorm:"size:64;not null;uniqueIndex:idx_project_char,priority:1" json:"project_code"`
	CharID      string `gorm:"size:32;not null;uniqueIndex:idx_project_char,priority:2" json:"char_id"`
	Role        string `gorm:"size:64" json:"role"`
	Name        string `gorm:"size:128" json:"name"`
	Prompt      string `gorm:"type:text" json:"prompt"`
	ImageFile   string `gorm:"size:512" json:"image_file"`
	Status      Status `gorm:"size:20;default:pending" json:"status"`
}

// TableName 指定表名
func (CharacterEntry) TableName() string {
	return "characters"
}

// Statistics 项目进度统计
type Statistics struct {
	ProjectCode  string `json:"project_code"`
	TotalScenes  int64  `json:"total_scenes"`
	ImageDone    int64  `json:"image_done"`
	ImageError   int64  `json:"image_error"`
	ImageFatal   int64  `json:"image_fatal"`
	VideoDone    int64  `json:"video_done"`
	VideoError   int64  `json:"video_error"`
	VideoFatal   int64  `json:"video_fatal"`
	Characters   int64  `json:"characters"`
	PromptsReady bool   `json:"prompts_ready"`
}

// HasFatal 是否存在不可重试的失败条目
func (st Statistics) HasFatal() bool {
	return st.ImageFatal > 0 || st.VideoFatal > 0
}

// Complete 全部产物是否已完成
func (st Statistics) Complete() bool {
	return st.TotalScenes > 0 &&
		st.ImageDone == st.TotalScenes &&
		st.VideoDone == st.TotalScenes
}
