package httpapi

import (
	"AtagDetServer/imgdecode"
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"AtagDetServer/monitor"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// instance is one websocket attached to a session.
type instance struct {
	id          string
	conn        *websocket.Conn
	lastActive  atomic.Int64
	writeMu     sync.Mutex
	closeOnce   sync.Once
	cancelTimer chan struct{}
}

func (inst *instance) touch() { inst.lastActive.Store(time.Now().UnixNano()) }

func (inst *instance) idleFor() time.Duration {
	return time.Since(time.Unix(0, inst.lastActive.Load()))
}

func (inst *instance) write(mt int, data []byte) error {
	inst.writeMu.Lock()
	defer inst.writeMu.Unlock()
	return inst.conn.WriteMessage(mt, data)
}

func (inst *instance) close(reason string) {
	inst.closeOnce.Do(func() {
		close(inst.cancelTimer)
		if inst.conn == nil {
			return
		}
		inst.writeMu.Lock()
		_ = inst.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		inst.writeMu.Unlock()
		_ = inst.conn.Close()
	})
}

// stream: binary message = encoded image file, text message = base64 image
// (data URL allowed). Each reply is the detection payload as text.
func (s *Server) stream(c *gin.Context) {
	id := c.Param("id")
	// 在升级前检查会话是否存在
	if _, ok := s.registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	// 升级前占位，同一会话只允许一个流
	inst := &instance{id: id, cancelTimer: make(chan struct{})}
	s.mu.Lock()
	if _, busy := s.conns[id]; busy {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "Session already has a stream"})
		return
	}
	s.conns[id] = inst
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		s.detach(inst, "upgrade failed")
		return
	}
	conn.SetReadLimit(MaxFrameBytes)
	inst.touch()
	s.mu.Lock()
	attached := s.conns[id] == inst
	if attached {
		inst.conn = conn
	}
	s.mu.Unlock()
	if !attached {
		_ = conn.Close()
		return
	}

	log := logger.Named("ws").With(zap.String("id", id))
	s.startIdleMonitor(inst, log)
	defer s.detach(inst, "stream closed")

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			log.Debug("connection closed", zap.Error(err))
			return
		}
		inst.touch()
		monitor.HTTPTotal.Inc()

		var frame iface.ImageU8
		switch mt {
		case websocket.BinaryMessage:
			frame, err = imgdecode.Decode(msg)
		case websocket.TextMessage:
			frame, err = imgdecode.DecodeBase64(string(msg))
		default:
			continue
		}
		if err != nil {
			_ = inst.write(websocket.TextMessage, []byte(`{ "result": "invalid image" }`))
			continue
		}
		out, err := s.run(id, frame)
		if err != nil {
			log.Warn("detect failed", zap.Error(err))
			_ = inst.write(websocket.TextMessage, []byte(`{ "result": "session unavailable" }`))
			return
		}
		inst.touch()
		if err := inst.write(websocket.TextMessage, []byte(out)); err != nil {
			return
		}
	}
}

// startIdleMonitor releases the session once the stream has been silent
// for the idle timeout.
func (s *Server) startIdleMonitor(inst *instance, log *zap.Logger) {
	go func() {
		ticker := time.NewTicker(max(time.Millisecond, min(50*time.Millisecond, s.idleTimeout/4)))
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancelTimer:
				return
			case <-ticker.C:
				if inst.idleFor() > s.idleTimeout {
					log.Info("stream idle, releasing session", zap.Duration("timeout", s.idleTimeout))
					s.detach(inst, "idle timeout, session released")
					_ = s.registry.Destroy(inst.id)
					return
				}
			}
		}
	}()
}

// detach removes inst from the stream table and closes it. A newer stream
// registered under the same id is left alone.
func (s *Server) detach(inst *instance, reason string) {
	s.mu.Lock()
	if s.conns[inst.id] == inst {
		delete(s.conns, inst.id)
	}
	s.mu.Unlock()
	inst.close(reason)
}

// CloseStreams closes every open websocket.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.conns))
	for _, inst := range s.conns {
		insts = append(insts, inst)
	}
	s.mu.Unlock()
	for _, inst := range insts {
		s.detach(inst, "server shutting down")
	}
}
