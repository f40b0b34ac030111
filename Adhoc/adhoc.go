package Adhoc

import (
	"AtagDetServer/logger"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	HTTPPort  int    `json:"httpPort"`
	Family    string `json:"family"`
	Sessions  int    `json:"sessions"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Heartbeat announces this instance to the registration server.
type Heartbeat struct {
	ID       string
	IP       string
	Port     int
	HTTPPort int
	Family   string
	Interval time.Duration
	// Sessions reports the number of live sessions, may be nil.
	Sessions func() int

	server RegServerConfig
	client *resty.Client
}

func NewHeartbeat(server RegServerConfig, ip string, port, httpPort int, family string) *Heartbeat {
	return &Heartbeat{
		ID:       uuid.NewString(),
		IP:       ip,
		Port:     port,
		HTTPPort: httpPort,
		Family:   family,
		Interval: TimeOutSeconds * time.Second,
		server:   server,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second), // 总超时
	}
}

// Register posts one heartbeat.
func (h *Heartbeat) Register(ctx context.Context) (RegisterResponse, error) {
	var respBody RegisterResponse
	reqBody := RegisterRequest{
		Id:        h.ID,
		IP:        h.IP,
		Port:      h.Port,
		HTTPPort:  h.HTTPPort,
		Family:    h.Family,
		TimeStamp: time.Now().Unix(),
	}
	if h.Sessions != nil {
		reqBody.Sessions = h.Sessions()
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(h.server.URL())
	if err != nil {
		return respBody, fmt.Errorf("register request: %w", err)
	}
	if resp.IsError() {
		return respBody, fmt.Errorf("register server returned %s: %s", resp.Status(), resp.String())
	}
	return respBody, nil
}

// SendAliveMessage registers immediately and then once per interval until
// ctx is cancelled.
func SendAliveMessage(ctx context.Context, h *Heartbeat, wg *sync.WaitGroup) {
	defer wg.Done()
	log := logger.Named("adhoc").With(zap.String("id", h.ID), zap.String("server", h.server.URL()))
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		if _, err := h.Register(ctx); err != nil && ctx.Err() == nil {
			log.Warn("heartbeat failed", zap.Error(err))
		}
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
