package controller

import (
	"strings"

	"github.com/gofiber/websocket/v2"

	"leadpilot/events"
	"leadpilot/utils"
)

const subscriberBuffer = 64

// HandleEventsWS streams hub events to one websocket client until either side
// goes away. The optional "types" query lists the event types to forward.
func HandleEventsWS(hub *events.Hub) func(*websocket.Conn) {
	logger := utils.Logger("events_ws")
	return func(c *websocket.Conn) {
		defer c.Close()

		wanted := make(map[string]bool)
		for _, t := range strings.Split(c.Query("types"), ",") {
			if t = strings.TrimSpace(t); t != "" {
				wanted[t] = true
			}
		}

		sub, cancel := hub.Subscribe(subscriberBuffer)
		defer cancel()

		// Reader goroutine notices the client closing the socket.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		logger.Debug("Events client connected")
		for {
			select {
			case <-closed:
				logger.Debug("Events client disconnected")
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				if len(wanted) > 0 && !wanted[evt.Type] {
					continue
				}
				if err := c.WriteJSON(evt); err != nil {
					logger.WithError(err).Debug("Events client write failed")
					return
				}
			}
		}
	}
}
