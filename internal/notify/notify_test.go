package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	var seen []string
	n := Multi{a, nil, b, NotifierFunc(func(eventType string, _ any) {
		seen = append(seen, eventType)
	})}

	n.Notify(EventBackupProgress, map[string]int{"filesUploaded": 5})
	n.Notify(EventCacheReady, nil)

	assert.Equal(t, 2, a.Count(""))
	assert.Equal(t, 1, b.Count(EventCacheReady))
	assert.Equal(t, []string{EventBackupProgress, EventCacheReady}, seen)

	ev := a.Events(EventBackupProgress)[0]
	assert.Equal(t, map[string]int{"filesUploaded": 5}, ev.Data)
	assert.False(t, ev.Time.IsZero())
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := NewHub()
	hubCtx, stopHub := context.WithCancel(ctx)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	r := gin.New()
	r.GET("/events", hub.Handler)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var hello Event
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	assert.Equal(t, EventHello, hello.Type)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Notify(EventCacheReady, map[string]int{"totalFiles": 3})

	var ev Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, EventCacheReady, ev.Type)
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), data["totalFiles"])

	// answer the close handshake
	conn.CloseRead(ctx)
	stopHub()
	<-hubDone
	assert.Zero(t, hub.Subscribers())
}

func TestHubWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Notify(EventCloudUpdate, map[string]string{"action": "add"})
	assert.Zero(t, hub.Subscribers())
}
