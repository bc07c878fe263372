package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"voice-video-workflow/pkg/ledger"
)

// Server 只读状态查询服务
type Server struct {
	store  *ledger.Store
	logger *zap.Logger
	engine *gin.Engine
}

// New 创建状态服务
func New(store *ledger.Store, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:  store,
		logger: logger,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/projects", s.listProjects)
	api.GET("/projects/:code/status", s.projectStatus)
	api.GET("/projects/:code/scenes", s.projectScenes)
	api.GET("/projects/:code/characters", s.projectCharacters)
}

// Handler 返回HTTP处理器, 供测试与外部挂载
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 启动HTTP服务
func (s *Server) Run(addr string) error {
	s.logger.Info("状态服务启动", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) listProjects(c *gin.Context) {
	codes, err := s.store.Projects()
	if err != nil {
		s.logger.Error("列出项目失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": codes})
}

func (s *Server) projectStatus(c *gin.Context) {
	code := c.Param("code")
	stats, err := s.store.Stats(code)
	if err != nil {
		s.logger.Error("统计项目进度失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if stats.TotalScenes == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found: " + code})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) projectScenes(c *gin.Context) {
	code := c.Param("code")
	scenes, err := s.store.Scenes(code)
	if err != nil {
		s.logger.Error("读取场景失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(scenes) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found: " + code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

func (s *Server) projectCharacters(c *gin.Context) {
	code := c.Param("code")
	chars, err := s.store.Characters(code)
	if err != nil {
		s.logger.Error("读取角色失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": chars})
}
