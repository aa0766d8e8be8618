package telemetry

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Dashboard is the optional live telemetry view: a small fiber app
// exposing a JSON stats endpoint and a websocket stream of snapshots,
// serving the same counters that land in stats.json and timeline.csv.
type Dashboard struct {
	app *fiber.App

	mu     sync.RWMutex
	latest Snapshot

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	broadcast chan []byte
}

// NewDashboard builds the dashboard app but does not start listening;
// call Start to bind an address.
func NewDashboard() *Dashboard {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	d := &Dashboard{
		app:       app,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 100),
	}

	d.setupRoutes()
	go d.pump()

	return d
}

func (d *Dashboard) setupRoutes() {
	d.app.Get("/api/stats", d.handleStats)

	d.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	d.app.Get("/ws", websocket.New(d.handleWebSocket))
}

func (d *Dashboard) handleStats(c *fiber.Ctx) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return c.JSON(d.latest)
}

func (d *Dashboard) handleWebSocket(c *websocket.Conn) {
	d.clientsMu.Lock()
	d.clients[c] = true
	d.clientsMu.Unlock()

	defer func() {
		d.clientsMu.Lock()
		delete(d.clients, c)
		d.clientsMu.Unlock()
		c.Close()
	}()

	d.mu.RLock()
	data, _ := json.Marshal(d.latest)
	d.mu.RUnlock()
	c.WriteMessage(websocket.TextMessage, data)

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}

func (d *Dashboard) pump() {
	for msg := range d.broadcast {
		d.clientsMu.Lock()
		for client := range d.clients {
			if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.Close()
				delete(d.clients, client)
			}
		}
		d.clientsMu.Unlock()
	}
}

// BroadcastSnapshot updates the dashboard's latest known snapshot and
// pushes it to every connected websocket client, dropping the update
// rather than blocking if the broadcast channel is full.
func (d *Dashboard) BroadcastSnapshot(s Snapshot) {
	d.mu.Lock()
	d.latest = s
	d.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	select {
	case d.broadcast <- data:
	default:
	}
}

// Start binds the dashboard to addr and blocks until the server stops.
// Run it in a goroutine from the engine.
func (d *Dashboard) Start(addr string) error {
	return d.app.Listen(addr)
}

// Stop gracefully shuts the dashboard server down.
func (d *Dashboard) Stop() error {
	return d.app.Shutdown()
}
