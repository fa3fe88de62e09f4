package webui

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"orchestrator/pkg/proto"
)

func httptestMux(s *Server) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func basicAuthHeader(password string) http.Header {
	creds := base64.StdEncoding.EncodeToString([]byte("operator:" + password))
	return http.Header{"Authorization": []string{"Basic " + creds}}
}

func TestWebSocketDeliversFullStatusOnConnect(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := httptestMux(s)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := basicAuthHeader(testPassword)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var msg proto.WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, proto.WSFullStatusUpdate, msg.Type)
}

func TestWebSocketAnswersGetFullStatusAction(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := httptestMux(s)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, basicAuthHeader(testPassword))
	require.NoError(t, err)
	defer conn.Close()

	var initial proto.WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&initial))

	require.NoError(t, conn.WriteJSON(proto.WSInbound{Action: proto.WSActionGetFullStatus}))

	var reply proto.WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, proto.WSFullStatusUpdate, reply.Type)
}
