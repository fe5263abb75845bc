// Package ws is the push transport: it upgrades dashboard connections
// and relays fanout events as JSON frames.
package ws

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"vantrack/boarding/internal/auth"
	"vantrack/boarding/internal/fanout"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// clientFrame is what a connected dashboard sends to manage its route
// subscriptions.
type clientFrame struct {
	Action  string `json:"action"`
	RouteID string `json:"route_id,omitempty"`
}

// client wraps one connection. Writes are serialized behind a mutex
// because fanout delivery and subscription acks run on different
// goroutines.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) Deliver(event fanout.Event) error {
	return c.send(event)
}

func (c *client) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Handler upgrades the request and runs the subscription loop until
// the peer disconnects. Admin tokens get the admin scope immediately;
// any connection may additionally subscribe to individual routes.
func Handler(registry *fanout.Registry) func(http.ResponseWriter, *http.Request, *auth.Claims) {
	return func(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("ws: upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		c := &client{conn: conn}
		if claims.UserType == "admin" {
			registry.SubscribeAdmin(c)
		}
		defer registry.Unsubscribe(c)

		if err := c.send(map[string]string{"action": "connected", "user_id": claims.UserID}); err != nil {
			return
		}

		for {
			var frame clientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				log.Printf("ws: client disconnected: %v", err)
				return
			}
			switch frame.Action {
			case "subscribe_route":
				if frame.RouteID == "" {
					_ = c.send(map[string]string{"action": "error", "error": "missing_route"})
					continue
				}
				registry.SubscribeRoute(c, frame.RouteID)
				_ = c.send(map[string]string{"action": "subscribed", "route_id": frame.RouteID})
			case "unsubscribe_route":
				registry.UnsubscribeRoute(c, frame.RouteID)
				_ = c.send(map[string]string{"action": "unsubscribed", "route_id": frame.RouteID})
			default:
				_ = c.send(map[string]string{"action": "error", "error": "unknown_action"})
			}
		}
	}
}
