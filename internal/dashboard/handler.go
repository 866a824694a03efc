// Package dashboard provides event handling and message formatting for the dashboard.
package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/habitkit/habitsync/internal/habit"
)

// Handler formats sync and habit events as dashboard messages. It implements
// the sync engine's listener interface and subscribes to the connectivity
// probe, bridging both into the WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger

	mu        sync.Mutex
	stats     StatsData
	syncStart time.Time
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnHabitCreated handles habit creation events
func (h *Handler) OnHabitCreated(hb *habit.Habit) {
	h.logger.Printf("Habit created: %d (%s)", hb.LocalID, hb.Title)

	h.mu.Lock()
	h.stats.Total++
	if hb.Completed {
		h.stats.Completed++
	}
	if !hb.Synced {
		h.stats.Unsynced++
	}
	h.mu.Unlock()

	h.broadcastHabit(hb, "created")
	h.broadcastStats()
}

// OnHabitUpdated handles habit update events
func (h *Handler) OnHabitUpdated(hb *habit.Habit) {
	h.logger.Printf("Habit updated: %d (%s)", hb.LocalID, hb.Title)
	h.broadcastHabit(hb, "updated")
}

// OnHabitDeleted handles habit deletion events
func (h *Handler) OnHabitDeleted(localID int64) {
	h.logger.Printf("Habit deleted: %d", localID)

	h.mu.Lock()
	if h.stats.Total > 0 {
		h.stats.Total--
	}
	h.mu.Unlock()

	data, err := json.Marshal(HabitUpdateData{LocalID: localID, Action: "deleted"})
	if err != nil {
		h.logger.Printf("Failed to marshal habit data: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeHabitUpdate,
		Timestamp: time.Now(),
		Data:      data,
	})
	h.broadcastStats()
}

// OnSyncStarted handles sync cycle start events
func (h *Handler) OnSyncStarted() {
	h.mu.Lock()
	h.syncStart = time.Now()
	h.mu.Unlock()

	h.server.Broadcast(Message{
		Type:      MessageTypeSyncStarted,
		Timestamp: time.Now(),
	})
}

// OnSyncCompleted handles sync cycle completion events
func (h *Handler) OnSyncCompleted(synced int) {
	h.mu.Lock()
	duration := time.Since(h.syncStart)
	h.mu.Unlock()

	h.logger.Printf("Sync complete: %d records in %v", synced, duration)

	data, err := json.Marshal(SyncCompleteData{
		RecordsSynced: synced,
		Duration:      duration,
	})
	if err != nil {
		h.logger.Printf("Failed to marshal sync data: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeSyncComplete,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// OnSyncError handles sync cycle failure events
func (h *Handler) OnSyncError(reason string) {
	h.logger.Printf("Sync error: %s", reason)

	data, err := json.Marshal(SyncErrorData{Reason: reason})
	if err != nil {
		h.logger.Printf("Failed to marshal sync error: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeSyncError,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// OnConnectivityChanged handles reachability transitions from the probe
func (h *Handler) OnConnectivityChanged(connected bool) {
	h.logger.Printf("Connectivity: %v", connected)

	data, err := json.Marshal(ConnectivityData{Connected: connected})
	if err != nil {
		h.logger.Printf("Failed to marshal connectivity data: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeConnectivity,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// UpdateStats replaces the statistics from a full habit snapshot.
// Useful for initialization or periodic refresh.
func (h *Handler) UpdateStats(habits []habit.Habit, outboxDepth int) {
	h.mu.Lock()
	h.stats = StatsData{OutboxDepth: outboxDepth}
	h.stats.Total = len(habits)
	for i := range habits {
		if habits[i].Completed {
			h.stats.Completed++
		}
		if !habits[i].Synced {
			h.stats.Unsynced++
		}
	}
	h.mu.Unlock()

	h.broadcastStats()
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) broadcastHabit(hb *habit.Habit, action string) {
	data := HabitUpdateData{
		LocalID: hb.LocalID,
		Action:  action,
		Title:   hb.Title,
		Kind:    string(hb.Kind),
		Synced:  hb.Synced,
	}
	if hb.RemoteID != nil {
		data.RemoteID = *hb.RemoteID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal habit data: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeHabitUpdate,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.mu.Lock()
	stats := h.stats
	h.mu.Unlock()

	dataJSON, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
