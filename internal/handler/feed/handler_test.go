package feed

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	feedservice "github.com/zhouzirui/voxturn/backend/internal/service/feed"
)

func TestFeedStreamsSessionEvents(t *testing.T) {
	hub := feedservice.NewHub(zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		New(hub, zerolog.Nop()).RegisterRoutes(api)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/c1/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(feedservice.Event{Kind: feedservice.KindTurnStarted, SessionID: "c1", Channel: conversation.ChannelA, TurnID: "t1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got feedservice.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, feedservice.KindTurnStarted, got.Kind)
	assert.Equal(t, conversation.ChannelA, got.Channel)
	assert.Equal(t, "t1", got.TurnID)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("c1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
