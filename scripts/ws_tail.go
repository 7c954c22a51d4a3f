// Package main runs a demo client that tails live delivery events.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	endpointID := ""
	if len(os.Args) > 1 {
		endpointID = os.Args[1]
	}

	q := url.Values{}
	if endpointID != "" {
		q.Set("endpointId", endpointID)
	}
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/admin/deliveries/ws", RawQuery: q.Encode()}
	hdr := http.Header{}
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()
	fmt.Printf("tailing %s\n", u.String())

	for {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Minute))
		var evt map[string]any
		if err := c.ReadJSON(&evt); err != nil {
			log.Printf("read: %v", err)
			return
		}
		line, _ := json.Marshal(evt)
		log.Printf("WS <- %s", line)
	}
}
