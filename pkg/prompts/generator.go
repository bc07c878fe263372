package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"voice-video-workflow/pkg/config"
	"voice-video-workflow/pkg/ledger"
)

// ErrPromptGeneration 提示词生成失败
var ErrPromptGeneration = errors.New("prompt generation failed")

// CharacterList 角色识别的结构化输出
type CharacterList struct {
	Characters []Character `json:"characters" jsonschema_description:"All recurring characters found in the story, main character first."`
}

// Character 单个角色
type Character struct {
	Role   string `json:"role" jsonschema_description:"The character's role: main, supporting, or minor."`
	Name   string `json:"name" jsonschema_description:"The character's name as it appears in the story."`
	Prompt string `json:"prompt" jsonschema_description:"A detailed English text-to-image prompt describing the character's appearance, clothing and demeanor."`
}

// ScenePrompts 单个场景的提示词结构化输出
type ScenePrompts struct {
	ImagePrompt string `json:"image_prompt" jsonschema_description:"A detailed English text-to-image prompt for a cinematic keyframe of this scene."`
	VideoPrompt string `json:"video_prompt" jsonschema_description:"A text-to-video prompt for this scene including camera movement and subject action."`
}

// GenerateSchema 生成结构化输出的JSON Schema
func GenerateSchema[T any]() interface{} {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

var (
	characterListSchema = GenerateSchema[CharacterList]()
	scenePromptsSchema  = GenerateSchema[ScenePrompts]()
)

// Generator 基于大模型的提示词生成器
type Generator struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

// NewGenerator 创建提示词生成器
func NewGenerator(cfg config.LLMConfig, logger *zap.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: 缺少 llm.api_key 配置", ErrPromptGeneration)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	return &Generator{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger,
	}, nil
}

// IdentifyCharacters 从完整故事文本中识别角色。
// 主角编号 nvc，配角依次 nvp1、nvp2……
func (g *Generator) IdentifyCharacters(ctx context.Context, fullText string) ([]ledger.CharacterEntry, error) {
	prompt := fmt.Sprintf(`You are a story analyst for a narrated video production pipeline.
Read the following story transcript and identify every recurring character.
List the main character first, then supporting characters in order of importance.
For each character, write a detailed English text-to-image prompt that keeps the
character visually consistent across scenes: age, face, hair, clothing, build.

Story transcript:
%s`, fullText)

	result, err := structuredCall[CharacterList](ctx, g, prompt, "character_list",
		"Recurring characters of the story", characterListSchema)
	if err != nil {
		return nil, err
	}
	if len(result.Characters) == 0 {
		return nil, fmt.Errorf("%w: 模型未识别出任何角色", ErrPromptGeneration)
	}

	var entries []ledger.CharacterEntry
	support := 0
	for i, c := range result.Characters {
		charID := "nvc"
		if i > 0 {
			support++
			charID = fmt.Sprintf("nvp%d", support)
		}
		entries = append(entries, ledger.CharacterEntry{
			CharID: charID,
			Role:   c.Role,
			Name:   strings.TrimSpace(c.Name),
			Prompt: strings.TrimSpace(c.Prompt),
			Status: ledger.StatusPending,
		})
	}

	g.logger.Info("角色识别完成", zap.Int("count", len(entries)))
	return entries, nil
}

// GenerateScenePrompts 为单个场景生成图片与视频提示词。
// characterSheet 为角色设定文本，用于保持角色形象一致。
func (g *Generator) GenerateScenePrompts(ctx context.Context, sceneText, characterSheet string) (*ScenePrompts, error) {
	prompt := fmt.Sprintf(`You are a prompt engineer for an AI image and video generation pipeline.

Character sheet (keep every character visually consistent with these descriptions):
%s

Scene narration:
%s

Generate two prompts for this scene:
1. image_prompt: a detailed English text-to-image prompt for a single cinematic
   keyframe, including setting, lighting, characters present and composition.
2. video_prompt: a text-to-video prompt that animates the keyframe, including
   one camera movement (e.g. slow pan, dolly in, tracking shot) and the subject action.
Both prompts must be single continuous text blocks.`, characterSheet, sceneText)

	result, err := structuredCall[ScenePrompts](ctx, g, prompt, "scene_prompts",
		"Image and video prompts for one scene", scenePromptsSchema)
	if err != nil {
		return nil, err
	}
	if result.ImagePrompt == "" || result.VideoPrompt == "" {
		return nil, fmt.Errorf("%w: 模型返回了空提示词", ErrPromptGeneration)
	}
	return result, nil
}

// CharacterSheet 把角色条目拼成提示词里用的设定文本
func CharacterSheet(chars []ledger.CharacterEntry) string {
	var sb strings.Builder
	for _, c := range chars {
		fmt.Fprintf(&sb, "- [%s] %s (%s): %s\n", c.CharID, c.Name, c.Role, c.Prompt)
	}
	return sb.String()
}

// structuredCall 带JSON Schema约束的模型调用
func structuredCall[T any](ctx context.Context, g *Generator, prompt, name, description string, schema interface{}) (*T, error) {
	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        name,
		Description: openai.String(description),
		Schema:      schema,
		Strict:      openai.Bool(true),
	}

	chatCompletion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: g.model,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: schemaParam,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPromptGeneration, err)
	}
	if len(chatCompletion.Choices) == 0 {
		return nil, fmt.Errorf("%w: 模型无响应", ErrPromptGeneration)
	}

	raw := chatCompletion.Choices[0].Message.Content
	if raw == "" {
		return nil, fmt.Errorf("%w: 模型返回空内容 (finish reason: %s)",
			ErrPromptGeneration, chatCompletion.Choices[0].FinishReason)
	}

	var result T
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("%w: 解析模型JSON响应失败: %v", ErrPromptGeneration, err)
	}
	return &result, nil
}
