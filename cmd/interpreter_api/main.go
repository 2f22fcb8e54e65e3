// Interpreter API is responsible for driving the Wi-SUN adapter,
// polling the B-route smart meter and broadcasting the readings.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/NotCoffee418/japanese_smart_meter/pkg/config"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/interpreter"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/logging"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/port_reader"
	"github.com/NotCoffee418/japanese_smart_meter/pkg/solarinverter"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var bRouteReader *port_reader.BRouteReader

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// ws clients for broadcasting live readings
var (
	wsClients                   = make(map[*websocket.Conn]bool)
	wsClientsMutex sync.RWMutex = sync.RWMutex{}
)

func main() {
	if err := logging.Initialize(""); err != nil {
		panic(err)
	}
	defer logging.Sync()

	// Load config
	if err := config.LoadInterpreterAPIConfig(); err != nil {
		logging.Fatal("Failed to load interpreter API config", zap.Error(err))
	}
	cfg := config.ActiveInterpreterAPIConfig

	if cfg.RouteBID == "" || cfg.RouteBPassword == "" {
		logging.Fatal("B-route credentials missing; set routeb_id/routeb_password " +
			"in the config or the ROUTEB_ID/ROUTEB_PASSWORD env vars")
	}

	// Start B-route reader
	bRouteReader = port_reader.NewBRouteReader(port_reader.Options{
		Device:              cfg.SerialDevice,
		Baudrate:            cfg.Baudrate,
		RouteBID:            cfg.RouteBID,
		Password:            cfg.RouteBPassword,
		ScanInitialDuration: cfg.ScanInitialDuration,
		ScanMaxDuration:     cfg.ScanMaxDuration,
		PollInterval:        time.Duration(cfg.PollIntervalSeconds) * time.Second,
		ReadTimeout:         time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
	})

	// Start polling the meter and handle signals/errors
	bRouteReader.StartReading(
		func(reading *interpreter.RawMeterReading) {
			BroadcastToWebSockets(reading)
		},
		func(err error) {
			if err != nil {
				logging.Fatal("Error reading B-route meter", zap.Error(err))
			}
		},
	)

	// Setup HTTP handlers
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"message": "Japanese Smart Meter API",
			"status":  "running",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	http.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		reading := bRouteReader.GetLatestReading()
		w.Header().Set("Content-Type", "application/json")
		if reading == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "No readings available yet",
			})
			return
		}

		json.NewEncoder(w).Encode(reading)
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade error", zap.Error(err))
			return
		}

		AddWebSocketClient(conn)

		// Send current reading immediately if available
		if reading := bRouteReader.GetLatestReading(); reading != nil {
			conn.WriteMessage(websocket.TextMessage, reading.ToJsonBytes())
		}

		// Keep connection alive
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				RemoveWebSocketClient(conn)
				break
			}
		}
	})

	// May be fast or slow depending on cached response from inverter.
	http.HandleFunc("/solar", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		power, err := solarinverter.ReadSolarData()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{
				"error": err.Error(),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]int32{
			"currentProduction": power,
		})
	})

	listener := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)

	logging.Info("Starting Japanese Smart Meter Interpreter API", zap.String("listener", listener))
	logging.Fatal("HTTP server stopped", zap.Error(http.ListenAndServe(listener, nil)))
}

func BroadcastToWebSockets(reading *interpreter.RawMeterReading) {
	wsClientsMutex.RLock()
	clients := make([]*websocket.Conn, 0, len(wsClients))
	for client := range wsClients {
		clients = append(clients, client)
	}
	wsClientsMutex.RUnlock()

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, reading.ToJsonBytes()); err != nil {
			RemoveWebSocketClient(client)
		}
	}
}

func AddWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	wsClients[conn] = true
	wsClientsMutex.Unlock()
}

func RemoveWebSocketClient(conn *websocket.Conn) {
	wsClientsMutex.Lock()
	delete(wsClients, conn)
	wsClientsMutex.Unlock()
	conn.Close()
}
