package httpapi

import (
	"AtagDetServer/engine/enginetest"
	iface "AtagDetServer/interface"
	"AtagDetServer/session"
	"bytes"
	"encoding/base64"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

var noPose = iface.DetectorOptions{Decimate: 2, Threads: 1, RefineEdges: true}

type harness struct {
	t    *testing.T
	srv  *Server
	reg  *session.Registry
	fake *enginetest.Fake
	ts   *httptest.Server
}

func newHarness(t *testing.T, idle time.Duration) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := &enginetest.Fake{}
	reg := session.NewRegistry(fake.Factory(), session.WithOptions(noPose))
	srv := New(reg, idle)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.CloseStreams()
		ts.Close()
		reg.CloseAll()
	})
	return &harness{t: t, srv: srv, reg: reg, fake: fake, ts: ts}
}

func (h *harness) do(method, path, contentType string, body io.Reader) (int, []byte) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, body)
	require.NoError(h.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp.StatusCode, data
}

func (h *harness) create(body string) string {
	h.t.Helper()
	code, data := h.do(http.MethodPost, "/api/sessions", "application/json", strings.NewReader(body))
	require.Equal(h.t, http.StatusOK, code, string(data))
	var out struct {
		Data struct {
			ID        string `json:"id"`
			WsURL     string `json:"wsURL"`
			TimeoutMs int64  `json:"timeoutMs"`
		} `json:"data"`
	}
	require.NoError(h.t, gojson.Unmarshal(data, &out))
	require.NotEmpty(h.t, out.Data.ID)
	assert.True(h.t, strings.HasSuffix(out.Data.WsURL, "/ws/"+out.Data.ID))
	return out.Data.ID
}

func TestPing(t *testing.T) {
	h := newHarness(t, 0)
	code, data := h.do(http.MethodGet, "/api/ping", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"message":"pong"}`, string(data))
}

func TestSessions_CRUD(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create(`{"description":"cam-1","tagSizes":{"4":0.3}}`)

	code, data := h.do(http.MethodGet, "/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"description":"cam-1"`)
	assert.Contains(t, string(data), `"state":"ready"`)

	code, data = h.do(http.MethodGet, "/api/sessions/"+id, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(data), `"4":0.3`)

	code, _ = h.do(http.MethodDelete, "/api/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, h.fake.Destroyed())

	code, _ = h.do(http.MethodDelete, "/api/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(http.MethodGet, "/api/sessions/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessions_CreateWithEmptyBody(t *testing.T) {
	h := newHarness(t, 0)
	code, _ := h.do(http.MethodPost, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, h.reg.Len())

	code, _ = h.do(http.MethodPost, "/api/sessions", "application/json", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessions_PutOptionsMerges(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create("")

	code, data := h.do(http.MethodPut, "/api/sessions/"+id+"/options", "application/json",
		strings.NewReader(`{"maxDetections":2,"returnPose":true}`))
	require.Equal(t, http.StatusOK, code, string(data))

	require.NoError(t, h.reg.Do(id, func(s *session.Session) error {
		opts := s.Options()
		assert.Equal(t, 2, opts.MaxDetections)
		assert.True(t, opts.ReturnPose)
		assert.Equal(t, float32(2), opts.Decimate)
		return nil
	}))

	code, _ = h.do(http.MethodPut, "/api/sessions/"+id+"/options", "application/json", strings.NewReader(`{"threads":"x"}`))
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(http.MethodPut, "/api/sessions/missing/options", "application/json", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessions_IntrinsicsAndTagSizes(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create("")

	code, _ := h.do(http.MethodPut, "/api/sessions/"+id+"/intrinsics", "application/json",
		strings.NewReader(`{"fx":500,"fy":500,"cx":320,"cy":240}`))
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodPut, "/api/sessions/"+id+"/tagsizes", "application/json",
		strings.NewReader(`{"1":0.25,"2":0.5}`))
	require.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(http.MethodPut, "/api/sessions/"+id+"/tagsizes", "application/json",
		strings.NewReader(`{"2":0}`))
	require.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(http.MethodPut, "/api/sessions/"+id+"/tagsizes", "application/json",
		strings.NewReader(`{"two":0.1}`))
	assert.Equal(t, http.StatusBadRequest, code)

	require.NoError(t, h.reg.Do(id, func(s *session.Session) error {
		assert.Equal(t, iface.CameraIntrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, s.Intrinsics())
		assert.Equal(t, map[int]float64{1: 0.25}, map[int]float64(s.TagSizes()))
		return nil
	}))
}

func TestDetect_RawBody(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create("")

	frame := []byte{1, 2, 3, 0, 4, 5, 6, 0}
	code, data := h.do(http.MethodPost, "/api/sessions/"+id+"/detect?width=3&height=2&stride=4",
		"application/octet-stream", bytes.NewReader(frame))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "[ ]", string(data))

	img := h.fake.LastImage()
	assert.Equal(t, 4, img.Stride)
	assert.Equal(t, frame, img.Buf)

	h.fake.SetDetections(enginetest.Detection(9, 1))
	code, data = h.do(http.MethodPost, "/api/sessions/"+id+"/detect?width=3&height=2&stride=4",
		"application/octet-stream", bytes.NewReader(frame))
	require.Equal(t, http.StatusOK, code)
	var records []map[string]any
	require.NoError(t, gojson.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, 9.0, records[0]["id"])
}

func TestDetect_BadRequests(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create("")

	code, _ := h.do(http.MethodPost, "/api/sessions/"+id+"/detect", "application/octet-stream", bytes.NewReader([]byte{1}))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(http.MethodPost, "/api/sessions/"+id+"/detect?width=4&height=4", "application/octet-stream", bytes.NewReader([]byte{1, 2}))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(http.MethodPost, "/api/sessions/"+id+"/detect?width=1&height=1&stride=0", "application/octet-stream", bytes.NewReader([]byte{1}))
	assert.Equal(t, http.StatusBadRequest, code)

	// 超大尺寸在计算长度前被拒绝
	code, _ = h.do(http.MethodPost, "/api/sessions/"+id+"/detect?width=4611686018427387904&height=4611686018427387904&stride=4611686018427387904", "application/octet-stream", bytes.NewReader([]byte{1}))
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(http.MethodPost, "/api/sessions/"+id+"/detect?width=1048576&height=1", "application/octet-stream", bytes.NewReader([]byte{1}))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Zero(t, h.fake.Calls())

	code, _ = h.do(http.MethodPost, "/api/sessions/nope/detect?width=1&height=1", "application/octet-stream", bytes.NewReader([]byte{1}))
	assert.Equal(t, http.StatusNotFound, code)
}

func encodedPNG(t *testing.T) []byte {
	t.Helper()
	mat := gocv.NewMatWithSize(8, 6, gocv.MatTypeCV8UC1)
	defer mat.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func TestDetect_Multipart(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create("")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "frame.png")
	require.NoError(t, err)
	_, err = part.Write(encodedPNG(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	code, data := h.do(http.MethodPost, "/api/sessions/"+id+"/detect", mw.FormDataContentType(), &body)
	require.Equal(t, http.StatusOK, code, string(data))
	assert.Equal(t, "[ ]", string(data))
	img := h.fake.LastImage()
	assert.Equal(t, 6, img.Width)
	assert.Equal(t, 8, img.Height)
}

func dial(t *testing.T, h *harness, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStream(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create("")
	conn := dial(t, h, id)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encodedPNG(t)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "[ ]", string(msg))

	h.fake.SetDetections(enginetest.Detection(2, 0))
	b64 := "data:image/png;base64," + base64.StdEncoding.EncodeToString(encodedPNG(t))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(b64)))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(msg), `[ {"id":2, `), string(msg))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not an image")))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{ "result": "invalid image" }`, string(msg))
}

func TestStream_UnknownSession(t *testing.T) {
	h := newHarness(t, 0)
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStream_IdleReleasesSession(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	id := h.create("")
	conn := dial(t, h, id)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	assert.Eventually(t, func() bool { return h.reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStream_SingleStreamPerSession(t *testing.T) {
	h := newHarness(t, 0)
	id := h.create("")
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/" + id

	const dialers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  []*websocket.Conn
		conflicts int
	)
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted = append(accepted, conn)
				return
			}
			if resp != nil && resp.StatusCode == http.StatusConflict {
				conflicts++
			}
		}()
	}
	wg.Wait()
	for _, conn := range accepted {
		t.Cleanup(func() { conn.Close() })
	}
	require.Len(t, accepted, 1)
	assert.Equal(t, dialers-1, conflicts)

	// 被拒绝的连接不能拆掉已建立的流
	conn := accepted[0]
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encodedPNG(t)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "[ ]", string(msg))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}
