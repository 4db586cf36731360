package gateway

import (
	"log/slog"
	"testing"

	"github.com/pulsechat/pulse/internal/logger"
)

func newTestRooms() *Rooms {
	return NewRooms(logger.New(logger.Config{Level: slog.LevelError, Format: "json"}))
}

func drainFrame(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame.data
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func TestRoomsJoinIsIdempotent(t *testing.T) {
	rooms := newTestRooms()
	conn := newConn(nil, 25, 50)

	rooms.Join("conversation:c1", conn)
	rooms.Join("conversation:c1", conn)

	if !rooms.InRoom("conversation:c1", conn) {
		t.Fatal("expected connection in room")
	}
	if got := rooms.Members("conversation:c1"); got != 1 {
		t.Errorf("expected 1 member, got %d", got)
	}
}

func TestRoomsLeaveRemovesEmptyRoom(t *testing.T) {
	rooms := newTestRooms()
	conn := newConn(nil, 25, 50)

	rooms.Join("conversation:c1", conn)
	rooms.Leave("conversation:c1", conn)

	if rooms.InRoom("conversation:c1", conn) {
		t.Fatal("expected connection out of room")
	}
	if got := rooms.Count(); got != 0 {
		t.Errorf("expected 0 rooms, got %d", got)
	}
}

func TestRoomsLeaveAll(t *testing.T) {
	rooms := newTestRooms()
	conn := newConn(nil, 25, 50)
	other := newConn(nil, 25, 50)

	rooms.Join("conversation:c1", conn)
	rooms.Join("conversation:c2", conn)
	rooms.Join("conversation:c2", other)

	rooms.LeaveAll(conn)

	if rooms.InRoom("conversation:c1", conn) || rooms.InRoom("conversation:c2", conn) {
		t.Fatal("expected connection out of all rooms")
	}
	if !rooms.InRoom("conversation:c2", other) {
		t.Fatal("expected other connection to stay subscribed")
	}
	if got := rooms.Count(); got != 1 {
		t.Errorf("expected 1 room left, got %d", got)
	}
}

func TestRoomsBroadcastSkipsExcluded(t *testing.T) {
	rooms := newTestRooms()
	sender := newConn(nil, 25, 50)
	receiver := newConn(nil, 25, 50)

	rooms.Join("conversation:c1", sender)
	rooms.Join("conversation:c1", receiver)

	sent := rooms.Broadcast("conversation:c1", []byte(`{"event":"x"}`), sender)
	if sent != 1 {
		t.Fatalf("expected 1 delivery, got %d", sent)
	}

	if got := drainFrame(t, receiver); string(got) != `{"event":"x"}` {
		t.Errorf("unexpected frame: %s", got)
	}
	select {
	case frame := <-sender.send:
		t.Fatalf("expected nothing for the sender, got %s", frame.data)
	default:
	}
}

func TestRoomsBroadcastUnknownRoom(t *testing.T) {
	rooms := newTestRooms()
	if sent := rooms.Broadcast("conversation:none", []byte("{}"), nil); sent != 0 {
		t.Fatalf("expected 0 deliveries, got %d", sent)
	}
}

func TestRoomNames(t *testing.T) {
	if got := RoomName("abc"); got != "conversation:abc" {
		t.Errorf("unexpected room name %q", got)
	}
}
