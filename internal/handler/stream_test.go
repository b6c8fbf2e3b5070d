package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/service"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialChannel(t *testing.T, srv *httptest.Server, attemptID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/attempts/" + attemptID + "/channel"
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestAttemptChannelStreamsInterrupts(t *testing.T) {
	svc := &fakeService{feed: make(chan model.Interrupt, 1), stopped: make(chan struct{})}
	srv := httptest.NewServer(newTestEngine(svc))
	defer srv.Close()

	id := uuid.New()
	conn, _, err := dialChannel(t, srv, id.String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var subscribed ws.SubscribedResponse
	require.NoError(t, conn.ReadJSON(&subscribed))
	assert.Equal(t, ws.EventSubscribed, subscribed.Event)
	assert.Equal(t, id.String(), subscribed.AttemptID)

	sent := model.Interrupt{AttemptID: id, Action: model.InterruptWarning, Message: "10 minutes left"}
	svc.feed <- sent

	var got ws.InterruptResponse
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, ws.EventInterrupt, got.Event)
	assert.Equal(t, sent, got.Interrupt)

	require.NoError(t, conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionPing}))
	var pong ws.PongResponse
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, ws.EventPong, pong.Event)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case <-svc.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not released after disconnect")
	}
}

func TestAttemptChannelClosesWhenFeedEnds(t *testing.T) {
	svc := &fakeService{feed: make(chan model.Interrupt), stopped: make(chan struct{})}
	srv := httptest.NewServer(newTestEngine(svc))
	defer srv.Close()

	conn, _, err := dialChannel(t, srv, uuid.NewString())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var subscribed ws.SubscribedResponse
	require.NoError(t, conn.ReadJSON(&subscribed))

	close(svc.feed)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestAttemptChannelRejectsBeforeUpgrade(t *testing.T) {
	srv := httptest.NewServer(newTestEngine(&fakeService{feedErr: service.ErrAttemptNotFound}))
	defer srv.Close()

	_, resp, err := dialChannel(t, srv, uuid.NewString())
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = dialChannel(t, srv, "not-a-uuid")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuildUpgraderChecksOrigin(t *testing.T) {
	up := buildUpgrader([]string{"https://exam.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://EXAM.example.com")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, up.CheckOrigin(req))

	assert.True(t, buildUpgrader(nil).CheckOrigin(req))
}

func TestMonitorStreamsSnapshotThenEvents(t *testing.T) {
	quizID := uuid.New()
	monitor := make(chan string, 1)
	monitor <- `{"type":"progress","answered":2}`
	close(monitor)

	svc := &fakeService{
		snapshot: &model.MonitorSnapshot{QuizID: quizID, Title: "Algebra", Questions: 3},
		monitor:  monitor,
	}
	w := httptest.NewRecorder()
	newTestEngine(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/instructor/quizzes/"+quizID.String()+"/monitor", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	snapshotAt := strings.Index(body, `"type":"snapshot"`)
	eventAt := strings.Index(body, `data: {"type":"progress","answered":2}`)
	require.GreaterOrEqual(t, snapshotAt, 0, body)
	require.Greater(t, eventAt, snapshotAt, body)
	assert.Contains(t, body, `"title":"Algebra"`)
}

func TestMonitorUnknownQuiz(t *testing.T) {
	w := httptest.NewRecorder()
	newTestEngine(&fakeService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/instructor/quizzes/"+uuid.NewString()+"/monitor", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
