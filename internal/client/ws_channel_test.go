package client

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu  sync.Mutex
	got []model.Interrupt
}

func (b *inbox) add(msg model.Interrupt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, msg)
}

func (b *inbox) list() []model.Interrupt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Interrupt{}, b.got...)
}

func newChannel(url string, id uuid.UUID) *WSChannel {
	c := NewWSChannel(url+"/ws/v1", id, zerolog.Nop())
	c.maxBackoff = 50 * time.Millisecond
	return c
}

func nextFeed(t *testing.T, api *fakeAPI) chan model.Interrupt {
	t.Helper()
	select {
	case feed := <-api.subs:
		return feed
	case <-time.After(2 * time.Second):
		t.Fatal("no channel subscription reached the server")
		return nil
	}
}

func TestWSChannelDeliversInterrupts(t *testing.T) {
	id := uuid.New()
	api := newFakeAPI(sampleContent(id, nil))
	srv := startServer(t, api)

	box := &inbox{}
	unsubscribe, err := newChannel(srv.URL, id).Subscribe(box.add)
	require.NoError(t, err)
	feed := nextFeed(t, api)

	other := model.Interrupt{AttemptID: uuid.New(), Action: model.InterruptStop}
	mine := model.Interrupt{AttemptID: id, Action: model.InterruptWarning, Message: "2 minutes"}
	feed <- other
	feed <- mine

	require.Eventually(t, func() bool { return len(box.list()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []model.Interrupt{other, mine}, box.list())

	unsubscribe()
	unsubscribe()
	require.Eventually(t, func() bool { return api.openFeeds() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSChannelReconnectsAfterDrop(t *testing.T) {
	id := uuid.New()
	api := newFakeAPI(sampleContent(id, nil))
	srv := startServer(t, api)

	box := &inbox{}
	unsubscribe, err := newChannel(srv.URL, id).Subscribe(box.add)
	require.NoError(t, err)
	defer unsubscribe()

	first := nextFeed(t, api)
	close(first)

	second := nextFeed(t, api)
	second <- model.Interrupt{AttemptID: id, Action: model.InterruptStop}
	require.Eventually(t, func() bool { return len(box.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSChannelSubscribeRefused(t *testing.T) {
	api := newFakeAPI(nil)
	api.subscribeEr = service.ErrAttemptNotFound
	srv := startServer(t, api)

	_, err := newChannel(srv.URL, uuid.New()).Subscribe(func(model.Interrupt) {})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, response.ErrNotFound, apiErr.Code)
}

func TestNewWSChannelURL(t *testing.T) {
	id := uuid.MustParse("7d1f4f3e-9a57-4c4a-9d43-3f7c4f8e2b10")

	assert.Equal(t, "ws://localhost:8080/ws/v1/attempts/"+id.String()+"/channel",
		NewWSChannel("http://localhost:8080/ws/v1/", id, zerolog.Nop()).url)
	assert.Equal(t, "wss://exam.example.com/ws/v1/attempts/"+id.String()+"/channel",
		NewWSChannel("https://exam.example.com/ws/v1", id, zerolog.Nop()).url)
	assert.Equal(t, "ws://10.0.0.2/ws/v1/attempts/"+id.String()+"/channel",
		NewWSChannel("ws://10.0.0.2/ws/v1", id, zerolog.Nop()).url)
}
