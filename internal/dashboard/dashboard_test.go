package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/habitkit/habitsync/internal/habit"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func dialTest(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// TestServerStartStop brings the server up and down cleanly
func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{
		Port:   0,
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

// TestWebSocketConnection receives the welcome message on connect
func TestWebSocketConnection(t *testing.T) {
	server := testServer(t)
	conn := dialTest(t, server)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("welcome message type = %q, want stats", msg.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", server.ClientCount())
	}
}

// TestBroadcast delivers messages to connected clients
func TestBroadcast(t *testing.T) {
	server := testServer(t)
	conn := dialTest(t, server)
	readMessage(t, conn) // welcome

	data, _ := json.Marshal(SyncCompleteData{RecordsSynced: 3, Duration: time.Second})
	server.Broadcast(Message{Type: MessageTypeSyncComplete, Data: data})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("message type = %q, want sync_complete", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast did not stamp the message")
	}

	var payload SyncCompleteData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if payload.RecordsSynced != 3 {
		t.Errorf("RecordsSynced = %d, want 3", payload.RecordsSynced)
	}
}

// TestHandler_SyncLifecycle emits started, completed, and error messages
func TestHandler_SyncLifecycle(t *testing.T) {
	server := testServer(t)
	handler := NewHandler(server, nil)
	conn := dialTest(t, server)
	readMessage(t, conn) // welcome

	handler.OnSyncStarted()
	if msg := readMessage(t, conn); msg.Type != MessageTypeSyncStarted {
		t.Errorf("message type = %q, want sync_started", msg.Type)
	}

	handler.OnSyncCompleted(5)
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Errorf("message type = %q, want sync_complete", msg.Type)
	}
	var complete SyncCompleteData
	json.Unmarshal(msg.Data, &complete)
	if complete.RecordsSynced != 5 {
		t.Errorf("RecordsSynced = %d, want 5", complete.RecordsSynced)
	}

	handler.OnSyncError("pull failed")
	msg = readMessage(t, conn)
	if msg.Type != MessageTypeSyncError {
		t.Errorf("message type = %q, want sync_error", msg.Type)
	}
	var syncErr SyncErrorData
	json.Unmarshal(msg.Data, &syncErr)
	if syncErr.Reason != "pull failed" {
		t.Errorf("Reason = %q", syncErr.Reason)
	}
}

// TestHandler_HabitEvents formats habit changes and refreshed stats
func TestHandler_HabitEvents(t *testing.T) {
	server := testServer(t)
	handler := NewHandler(server, nil)
	conn := dialTest(t, server)
	readMessage(t, conn) // welcome

	remoteID := int64(9)
	handler.OnHabitCreated(&habit.Habit{
		LocalID: 1, RemoteID: &remoteID, Title: "Drink water",
		Kind: habit.KindWater, Synced: true,
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeHabitUpdate {
		t.Fatalf("message type = %q, want habit_update", msg.Type)
	}
	var update HabitUpdateData
	json.Unmarshal(msg.Data, &update)
	if update.Action != "created" || update.LocalID != 1 || update.RemoteID != 9 {
		t.Errorf("update = %+v", update)
	}

	// Stats follow the habit event.
	msg = readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("message type = %q, want stats", msg.Type)
	}

	stats := handler.GetStats()
	if stats.Total != 1 {
		t.Errorf("Total = %d, want 1", stats.Total)
	}
}

// TestHandler_ConnectivityEvents bridges probe transitions
func TestHandler_ConnectivityEvents(t *testing.T) {
	server := testServer(t)
	handler := NewHandler(server, nil)
	conn := dialTest(t, server)
	readMessage(t, conn) // welcome

	handler.OnConnectivityChanged(true)
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeConnectivity {
		t.Fatalf("message type = %q, want connectivity", msg.Type)
	}
	var conn2 ConnectivityData
	json.Unmarshal(msg.Data, &conn2)
	if !conn2.Connected {
		t.Error("Connected = false, want true")
	}
}

// TestHandler_UpdateStats summarizes a snapshot
func TestHandler_UpdateStats(t *testing.T) {
	server := testServer(t)
	handler := NewHandler(server, nil)

	habits := []habit.Habit{
		{LocalID: 1, Completed: true, Synced: true},
		{LocalID: 2, Completed: false, Synced: false},
		{LocalID: 3, Completed: true, Synced: false},
	}
	handler.UpdateStats(habits, 2)

	stats := handler.GetStats()
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.Completed != 2 {
		t.Errorf("Completed = %d, want 2", stats.Completed)
	}
	if stats.Unsynced != 2 {
		t.Errorf("Unsynced = %d, want 2", stats.Unsynced)
	}
	if stats.OutboxDepth != 2 {
		t.Errorf("OutboxDepth = %d, want 2", stats.OutboxDepth)
	}
}
