package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// dialWS wraps the gorilla dialer so tests read as transport-agnostic.
func dialWS(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}
