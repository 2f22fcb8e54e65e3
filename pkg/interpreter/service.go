package interpreter

import (
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Manage websocket connection and call funcToCall for each reading
func StartListener(host string, useTLS bool, funcToCall func(reading *RawMeterReading)) {
	const (
		maxRetries     = 10
		baseRetryDelay = 2 * time.Second
		maxRetryDelay  = 60 * time.Second
	)

	// WebSocket server URL
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/ws"}

	// Channel to handle interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	retryCount := 0

	for {
		select {
		case <-interrupt:
			logging.Info("Interrupt received, shutting down...")
			return
		default:
			// Calculate retry delay with exponential backoff
			retryDelay := time.Duration(1<<retryCount) * baseRetryDelay
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}

			if retryCount > 0 {
				logging.Info("Retrying connection",
					zap.Duration("delay", retryDelay),
					zap.Int("attempt", retryCount+1),
					zap.Int("max_attempts", maxRetries))
				select {
				case <-time.After(retryDelay):
				case <-interrupt:
					logging.Info("Interrupt received during retry wait, shutting down...")
					return
				}
			}

			logging.Info("Connecting to interpreter API", zap.String("url", u.String()))

			// Create a simple dialer with timeout
			dialer := websocket.DefaultDialer
			dialer.HandshakeTimeout = 10 * time.Second
			c, _, err := dialer.Dial(u.String(), nil)
			if err != nil {
				logging.Warn("Connection failed", zap.Error(err))
				retryCount++
				if retryCount >= maxRetries {
					logging.Error("Max retries reached, giving up", zap.Int("max_attempts", maxRetries))
					return
				}
				continue
			}

			logging.Info("Connected, accepting meter readings")

			// Reset retry count on successful connection
			retryCount = 0

			// Handle the connection until it breaks or we're interrupted
			connectionBroken := handleConnection(c, interrupt, funcToCall)

			c.Close()

			if !connectionBroken {
				// Clean shutdown requested
				return
			}

			logging.Info("Connection lost, will retry...")
		}
	}
}

func handleConnection(
	c *websocket.Conn,
	interrupt chan os.Signal,
	funcToCall func(reading *RawMeterReading),
) bool {
	done := make(chan struct{})

	// Set read deadline to detect dead connections.
	// The API broadcasts at every poll interval, well under this.
	c.SetReadDeadline(time.Now().Add(60 * time.Second))

	// Goroutine to read messages
	go func() {
		defer close(done)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logging.Warn("WebSocket error", zap.Error(err))
				} else {
					logging.Info("Connection closed", zap.Error(err))
				}
				return
			}

			// Reset read deadline on successful message
			c.SetReadDeadline(time.Now().Add(60 * time.Second))

			// We only expect RawMeterReading messages
			if messageType == websocket.TextMessage {
				if meterReading := MeterReadingFromJsonBytes(message); meterReading != nil {
					funcToCall(meterReading)
				} else {
					logging.Warn("Failed to parse meter reading", zap.ByteString("message", message))
				}
			} else if messageType == websocket.PingMessage {
				// Handle ping messages (should be handled by SetPingHandler but just in case)
				logging.Debug("Received ping message")
			} else {
				logging.Warn("Received unexpected message type", zap.Int("type", messageType))
			}
		}
	}()

	// Goroutine to send periodic pings to keep connection alive
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					logging.Warn("Failed to send ping", zap.Error(err))
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Wait for connection to break or interrupt signal
	select {
	case <-done:
		// Connection broke
		return true
	case <-interrupt:
		logging.Info("Interrupt received, closing connection...")

		// Send close message
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logging.Warn("Error sending close message", zap.Error(err))
		}

		// Wait for close confirmation or timeout
		select {
		case <-done:
		case <-time.After(time.Second):
		}

		// Clean shutdown
		return false
	}
}
