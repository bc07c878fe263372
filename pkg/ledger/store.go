package ledger

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrCorruptLedger 台账数据库缺少必需列或结构损坏
var ErrCorruptLedger = errors.New("ledger is corrupt")

// 各表必需列，缺失即视为损坏；可选列由自动迁移补齐
var (
	requiredSceneColumns     = []string{"project_code", "scene_id", "srt_start", "srt_end", "srt_text"}
	requiredCharacterColumns = []string{"project_code", "char_id", "role", "name"}
)

// Store 台账存储，基于SQLite
type Store struct {
	DB *gorm.DB
}

// Open 打开台账数据库。已存在的表先做结构校验，再执行自动迁移。
func Open(dbPath string) (*Store, error) {
	newLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dsn := fmt.Sprintf("%s?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %v", err)
	}

	store := &Store{DB: db}

	if err := store.verifySchema(); err != nil {
		return nil, err
	}

	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %v", err)
	}

	return store, nil
}

// verifySchema 校验已存在表的必需列
func (s *Store) verifySchema() error {
	m := s.DB.Migrator()

	check := func(model interface{}, table string, columns []string) error {
		if !m.HasTable(model) {
			return nil
		}
		for _, col := range columns {
			if !m.HasColumn(model, col) {
				return fmt.Errorf("%w: table %s missing required column %s", ErrCorruptLedger, table, col)
			}
		}
		return nil
	}

	if err := check(&SceneEntry{}, "scenes", requiredSceneColumns); err != nil {
		return err
	}
	return check(&CharacterEntry{}, "characters", requiredCharacterColumns)
}

// Migrate 执行数据库迁移
func (s *Store) Migrate() error {
	return s.DB.AutoMigrate(&SceneEntry{}, &CharacterEntry{})
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReplaceScenes 以事务方式用新的场景列表替换项目台账
func (s *Store) ReplaceScenes(projectCode string, entries []SceneEntry) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_code = ?", projectCode).Delete(&SceneEntry{}).Error; err != nil {
			return fmt.Errorf("failed to clear scenes: %v", err)
		}
		for i := range entries {
			entries[i].ProjectCode = projectCode
			if err := tx.Create(&entries[i]).Error; err != nil {
				return fmt.Errorf("failed to create scene %d: %v", entries[i].SceneID, err)
			}
		}
		return nil
	})
}

// UpsertScene 插入或更新单个场景条目
func (s *Store) UpsertScene(entry *SceneEntry) error {
	result := s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_code"}, {Name: "scene_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"srt_start", "srt_end", "srt_text",
			"img_prompt", "video_prompt",
			"img_path", "video_path",
			"image_status", "video_status",
			"image_attempts", "video_attempts",
			"last_error", "updated_at",
		}),
	}).Create(entry)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert scene: %v", result.Error)
	}
	return nil
}

// UpsertCharacter 插入或更新角色条目
func (s *Store) UpsertCharacter(entry *CharacterEntry) error {
	result := s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_code"}, {Name: "char_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"role", "name", "prompt", "image_file", "status", "updated_at",
		}),
	}).Create(entry)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert character: %v", result.Error)
	}
	return nil
}

// Scenes 按场景编号顺序返回项目全部场景
func (s *Store) Scenes(projectCode string) ([]SceneEntry, error) {
	var entries []SceneEntry
	result := s.DB.Where("project_code = ?", projectCode).Order("scene_id").Find(&entries)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get scenes: %v", result.Error)
	}
	return entries, nil
}

// Scene 按编号获取单个场景
func (s *Store) Scene(projectCode string, sceneID int) (*SceneEntry, error) {
	var entry SceneEntry
	result := s.DB.Where("project_code = ? AND scene_id = ?", projectCode, sceneID).First(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scene: %v", result.Error)
	}
	return &entry, nil
}

// Characters 返回项目全部角色
func (s *Store) Characters(projectCode string) ([]CharacterEntry, error) {
	var entries []CharacterEntry
	result := s.DB.Where("project_code = ?", projectCode).Order("char_id").Find(&entries)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get characters: %v", result.Error)
	}
	return entries, nil
}

// Pending 返回待处理场景，按场景编号排序。
// 视频条目要求对应图片已完成；error 状态视为可重试。
func (s *Store) Pending(projectCode string, kind Kind) ([]SceneEntry, error) {
	var entries []SceneEntry
	query := s.DB.Where("project_code = ?", projectCode)
	switch kind {
	case KindVideo:
		query = query.Where("video_status IN ?", []Status{StatusPending, StatusError}).
			Where("image_status = ?", StatusDone)
	default:
		query = query.Where("image_status IN ?", []Status{StatusPending, StatusError})
	}
	result := query.Order("scene_id").Find(&entries)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get pending scenes: %v", result.Error)
	}
	return entries, nil
}

// MarkStatus 更新单个场景指定产物的状态
func (s *Store) MarkStatus(projectCode string, sceneID int, kind Kind, status Status) error {
	updates := map[string]interface{}{
		statusColumn(kind): status,
		"updated_at":       time.Now(),
	}
	result := s.DB.Model(&SceneEntry{}).
		Where("project_code = ? AND scene_id = ?", projectCode, sceneID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark status: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("scene %d not found in project %s", sceneID, projectCode)
	}
	return nil
}

// RecordResult 记录成功产物：写入路径，状态置为 done，清空错误
func (s *Store) RecordResult(projectCode string, sceneID int, kind Kind, path string) error {
	updates := map[string]interface{}{
		statusColumn(kind): StatusDone,
		pathColumn(kind):   path,
		"last_error":       "",
		"updated_at":       time.Now(),
	}
	result := s.DB.Model(&SceneEntry{}).
		Where("project_code = ? AND scene_id = ?", projectCode, sceneID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to record result: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("scene %d not found in project %s", sceneID, projectCode)
	}
	return nil
}

// RecordFailure 记录一次失败并递增尝试计数。
// fatal 为真或尝试次数达到 maxAttempts 时状态置为 fatal，
// 否则置为 error 以便后续重试。返回更新后的状态。
func (s *Store) RecordFailure(projectCode string, sceneID int, kind Kind, reason string, fatal bool, maxAttempts int) (Status, error) {
	var final Status
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var entry SceneEntry
		if err := tx.Where("project_code = ? AND scene_id = ?", projectCode, sceneID).First(&entry).Error; err != nil {
			return fmt.Errorf("failed to get scene: %v", err)
		}

		attempts := entry.AttemptsFor(kind) + 1
		final = StatusError
		if fatal || attempts >= maxAttempts {
			final = StatusFatal
		}

		updates := map[string]interface{}{
			statusColumn(kind):   final,
			attemptsColumn(kind): attempts,
			"last_error":         reason,
			"updated_at":         time.Now(),
		}
		if err := tx.Model(&SceneEntry{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to record failure: %v", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// MarkInterrupted 将单个条目标记为被中断的 error 状态，
// 不增加尝试计数。
func (s *Store) MarkInterrupted(projectCode string, sceneID int, kind Kind) error {
	err := s.DB.Model(&SceneEntry{}).
		Where("project_code = ? AND scene_id = ?", projectCode, sceneID).
		Updates(map[string]interface{}{
			statusColumn(kind): StatusError,
			"last_error":       "interrupted",
			"updated_at":       time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark scene interrupted: %v", err)
	}
	return nil
}

// RecoverInterrupted 将遗留的 in_progress 条目重置为 error，
// 不增加尝试计数。返回恢复的条目数。
func (s *Store) RecoverInterrupted(projectCode string) (int64, error) {
	var recovered int64
	for _, kind := range []Kind{KindImage, KindVideo} {
		result := s.DB.Model(&SceneEntry{}).
			Where("project_code = ? AND "+statusColumn(kind)+" = ?", projectCode, StatusInProgress).
			Updates(map[string]interface{}{
				statusColumn(kind): StatusError,
				"last_error":       "interrupted",
				"updated_at":       time.Now(),
			})
		if result.Error != nil {
			return recovered, fmt.Errorf("failed to recover interrupted scenes: %v", result.Error)
		}
		recovered += result.RowsAffected
	}
	return recovered, nil
}

// ResetForRegeneration 重置指定产物的状态与尝试计数，
// 用于强制重新生成。
func (s *Store) ResetForRegeneration(projectCode string, kind Kind) error {
	updates := map[string]interface{}{
		statusColumn(kind):   StatusPending,
		attemptsColumn(kind): 0,
		pathColumn(kind):     "",
		"last_error":         "",
		"updated_at":         time.Now(),
	}
	result := s.DB.Model(&SceneEntry{}).
		Where("project_code = ?", projectCode).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to reset scenes: %v", result.Error)
	}
	return nil
}

// SavePrompts 写入场景的图片与视频提示词
func (s *Store) SavePrompts(projectCode string, sceneID int, imagePrompt, videoPrompt string) error {
	result := s.DB.Model(&SceneEntry{}).
		Where("project_code = ? AND scene_id = ?", projectCode, sceneID).
		Updates(map[string]interface{}{
			"img_prompt":   imagePrompt,
			"video_prompt": videoPrompt,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save prompts: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("scene %d not found in project %s", sceneID, projectCode)
	}
	return nil
}

// HasPrompts 项目是否已有完整提示词
func (s *Store) HasPrompts(projectCode string) (bool, error) {
	var total, missing int64
	if err := s.DB.Model(&SceneEntry{}).Where("project_code = ?", projectCode).Count(&total).Error; err != nil {
		return false, fmt.Errorf("failed to count scenes: %v", err)
	}
	if total == 0 {
		return false, nil
	}
	if err := s.DB.Model(&SceneEntry{}).
		Where("project_code = ? AND (img_prompt = '' OR video_prompt = '')", projectCode).
		Count(&missing).Error; err != nil {
		return false, fmt.Errorf("failed to count scenes: %v", err)
	}
	return missing == 0, nil
}

// Projects 返回台账中全部项目代号
func (s *Store) Projects() ([]string, error) {
	var codes []string
	result := s.DB.Model(&SceneEntry{}).
		Distinct("project_code").
		Order("project_code").
		Pluck("project_code", &codes)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list projects: %v", result.Error)
	}
	return codes, nil
}

// Stats 汇总项目进度
func (s *Store) Stats(projectCode string) (*Statistics, error) {
	st := &Statistics{ProjectCode: projectCode}

	count := func(dest *int64, query string, args ...interface{}) error {
		return s.DB.Model(&SceneEntry{}).
			Where("project_code = ?", projectCode).
			Where(query, args...).
			Count(dest).Error
	}

	if err := s.DB.Model(&SceneEntry{}).Where("project_code = ?", projectCode).Count(&st.TotalScenes).Error; err != nil {
		return nil, fmt.Errorf("failed to count scenes: %v", err)
	}
	if err := count(&st.ImageDone, "image_status = ?", StatusDone); err != nil {
		return nil, fmt.Errorf("failed to count image done: %v", err)
	}
	if err := count(&st.ImageError, "image_status = ?", StatusError); err != nil {
		return nil, fmt.Errorf("failed to count image error: %v", err)
	}
	if err := count(&st.ImageFatal, "image_status = ?", StatusFatal); err != nil {
		return nil, fmt.Errorf("failed to count image fatal: %v", err)
	}
	if err := count(&st.VideoDone, "video_status = ?", StatusDone); err != nil {
		return nil, fmt.Errorf("failed to count video done: %v", err)
	}
	if err := count(&st.VideoError, "video_status = ?", StatusError); err != nil {
		return nil, fmt.Errorf("failed to count video error: %v", err)
	}
	if err := count(&st.VideoFatal, "video_status = ?", StatusFatal); err != nil {
		return nil, fmt.Errorf("failed to count video fatal: %v", err)
	}
	if err := s.DB.Model(&CharacterEntry{}).Where("project_code = ?", projectCode).Count(&st.Characters).Error; err != nil {
		return nil, fmt.Errorf("failed to count characters: %v", err)
	}

	ready, err := s.HasPrompts(projectCode)
	if err != nil {
		return nil, err
	}
	st.PromptsReady = ready

	return st, nil
}

func statusColumn(kind Kind) string {
	if kind == KindVideo {
		return "video_status"
	}
	return "image_status"
}

func pathColumn(kind Kind) string {
	if kind == KindVideo {
		return "video_path"
	}
	return "img_path"
}

func attemptsColumn(kind Kind) string {
	if kind == KindVideo {
		return "video_attempts"
	}
	return "image_attempts"
}
