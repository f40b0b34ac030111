// Package httpapi serves detection sessions over REST and websocket.
package httpapi

import (
	"AtagDetServer/imgbuf"
	"AtagDetServer/imgdecode"
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"AtagDetServer/monitor"
	"AtagDetServer/session"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultIdleTimeout = 30 * time.Second

// MaxFrameBytes bounds request bodies and websocket messages.
const MaxFrameBytes = 20 * 1024 * 1024

type Server struct {
	registry    *session.Registry
	idleTimeout time.Duration
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*instance
}

func New(registry *session.Registry, idleTimeout time.Duration) *Server {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Server{
		registry:    registry,
		idleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*instance),
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	api := r.Group("/api/sessions")
	api.POST("", s.createSession)
	api.GET("", s.listSessions)
	api.GET("/:id", s.getSession)
	api.PUT("/:id/options", s.putOptions)
	api.PUT("/:id/intrinsics", s.putIntrinsics)
	api.PUT("/:id/tagsizes", s.putTagSizes)
	api.POST("/:id/detect", s.detect)
	api.DELETE("/:id", s.deleteSession)
	r.GET("/ws/:id", s.stream)
	return r
}

func accessLog() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		monitor.HTTPTotal.Inc()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

type createRequest struct {
	Description string                  `json:"description"`
	Options     *iface.DetectorOptions  `json:"options"`
	Intrinsics  *iface.CameraIntrinsics `json:"intrinsics"`
	TagSizes    map[string]float64      `json:"tagSizes"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createRequest
	if err := readJSON(c, &req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var opts []session.Option
	if req.Options != nil {
		opts = append(opts, session.WithOptions(*req.Options))
	}
	if req.Intrinsics != nil {
		opts = append(opts, session.WithIntrinsics(*req.Intrinsics))
	}
	if len(req.TagSizes) > 0 {
		sizes, err := parseSizes(req.TagSizes)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for tag, size := range sizes {
			if size <= 0 {
				delete(sizes, tag)
			}
		}
		opts = append(opts, session.WithTagSizes(sizes))
	}
	if req.Description == "" {
		req.Description = "http"
	}
	id, err := s.registry.Create(req.Description, opts...)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"id":        id,
		"wsURL":     fmt.Sprintf("ws://%s/ws/%s", c.Request.Host, id),
		"timeoutMs": s.idleTimeout.Milliseconds(),
	}})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.registry.List()})
}

func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")
	e, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrSessionNotFound.Error()})
		return
	}
	data := gin.H{"id": e.ID, "description": e.Description, "created": e.Created}
	_ = e.Do(func(ss *session.Session) error {
		data["state"] = ss.State().String()
		data["options"] = ss.Options()
		data["intrinsics"] = ss.Intrinsics()
		sizes := map[string]float64{}
		for tag, size := range ss.TagSizes() {
			sizes[strconv.Itoa(tag)] = size
		}
		data["tagSizes"] = sizes
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// putOptions merges the JSON body into the current detector options.
func (s *Server) putOptions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var opts iface.DetectorOptions
	err = s.registry.Do(c.Param("id"), func(ss *session.Session) error {
		opts = ss.Options()
		if err := gojson.Unmarshal(body, &opts); err != nil {
			return badRequest{err}
		}
		return ss.Configure(opts)
	})
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": opts})
}

func (s *Server) putIntrinsics(c *gin.Context) {
	var in iface.CameraIntrinsics
	if err := readJSON(c, &in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.registry.Do(c.Param("id"), func(ss *session.Session) error {
		return ss.SetIntrinsics(in.Fx, in.Fy, in.Cx, in.Cy)
	})
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": in})
}

// putTagSizes sets per-id overrides; a size of 0 removes one.
func (s *Server) putTagSizes(c *gin.Context) {
	var raw map[string]float64
	if err := readJSON(c, &raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sizes, err := parseSizes(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = s.registry.Do(c.Param("id"), func(ss *session.Session) error {
		for tag, size := range sizes {
			if err := ss.SetTagSize(tag, size); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// detect takes either a multipart "image" file or a raw grayscale body
// with width, height and stride query parameters. The reply body is the
// detection payload.
func (s *Server) detect(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrSessionNotFound.Error()})
		return
	}
	frame, err := readFrame(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.run(id, frame)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(out))
}

func readFrame(c *gin.Context) (iface.ImageU8, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxFrameBytes)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("image")
		if err != nil {
			return iface.ImageU8{}, err
		}
		f, err := fh.Open()
		if err != nil {
			return iface.ImageU8{}, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return iface.ImageU8{}, err
		}
		return imgdecode.Decode(data)
	}

	w, errW := strconv.Atoi(c.Query("width"))
	h, errH := strconv.Atoi(c.Query("height"))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return iface.ImageU8{}, errors.New("width and height query parameters are required")
	}
	stride := w
	if v := c.Query("stride"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return iface.ImageU8{}, fmt.Errorf("invalid stride %q", v)
		}
		stride = n
	}
	if !imgbuf.ValidGeometry(w, h, stride) {
		return iface.ImageU8{}, fmt.Errorf("%w: %dx%d stride %d", imgbuf.ErrInvalidGeometry, w, h, stride)
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return iface.ImageU8{}, err
	}
	if len(body) < stride*(h-1)+min(w, stride) {
		return iface.ImageU8{}, fmt.Errorf("body has %d bytes, need %d rows of stride %d", len(body), h, stride)
	}
	return iface.ImageU8{Width: w, Height: h, Stride: stride, Buf: body}, nil
}

// run copies frame into the session's buffer and detects, under the
// session lock.
func (s *Server) run(id string, frame iface.ImageU8) (string, error) {
	var out string
	err := s.registry.Do(id, func(ss *session.Session) error {
		buf, err := ss.AcquireImageBuffer(frame.Width, frame.Height, frame.Stride)
		if err != nil {
			return err
		}
		if err := imgdecode.CopyInto(buf, frame.Stride, frame); err != nil {
			return err
		}
		out = ss.Detect().String()
		return nil
	})
	return out, err
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	inst, ok := s.conns[id]
	s.mu.Unlock()
	if ok {
		s.detach(inst, "session deleted")
	}
	if err := s.registry.Destroy(id); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "Session released"})
}

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func statusOf(err error) int {
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrDestroyed):
		return http.StatusConflict
	case errors.Is(err, session.ErrInitFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readJSON(c *gin.Context, v any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return io.EOF
	}
	return gojson.Unmarshal(body, v)
}

func parseSizes(raw map[string]float64) (map[int]float64, error) {
	sizes := make(map[int]float64, len(raw))
	for key, size := range raw {
		tag, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("tag id %q is not an integer", key)
		}
		sizes[tag] = size
	}
	return sizes, nil
}
