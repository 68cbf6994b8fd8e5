package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Server HTTP 服务器
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer 创建一个新的 HTTP 服务器
func NewServer(host string, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	return &Server{
		echo: e,
		addr: fmt.Sprintf("%s:%d", host, port),
	}
}

// Start 启动 HTTP 服务器，阻塞直到Stop
func (s *Server) Start() error {
	logrus.Infof("API listening on %s", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// GetEcho 获取Echo实例
func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// RegisterStateService 注册状态查询和操作接口
func (s *Server) RegisterStateService(ss *StateService) {
	s.echo.GET("/mirror", ss.GetMirrorState)           // 当前镜像的端口
	s.echo.GET("/firewall/drops", ss.GetDrops)         // 所有交换机上的阻断
	s.echo.GET("/firewall/blocklist", ss.GetBlocklist) // 全网阻断集合
	s.echo.POST("/firewall/drops/unblock", ss.Unblock) // 在所有交换机上解除阻断
	s.echo.GET("/tripwire/judgments", ss.GetJudgments) // 最近一次判定
	s.echo.GET("/collector/:dpid/:port", ss.GetWindow) // 端口采样窗口
	s.echo.GET("/metrics", ss.GetMetrics)              // 计数器
}
