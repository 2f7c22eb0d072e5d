package hub

import (
	"context"
	"encoding/json"

	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/metrics"
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

// BroadcastToRoom implements room.Broadcaster. It enumerates the Room's
// own authoritative member list (not the database) and enqueues env onto
// every locally-connected member's send queue except those in exclude. If
// a bus is configured, the message is also published for other shards to
// deliver to members connected there.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomID types.RoomIDType, env *protocol.Envelope, exclude ...types.UserIDType) {
	h.mu.Lock()
	entry, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}

	skip := make(map[types.UserIDType]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	for _, userID := range entry.r.CurrentMemberIDs() {
		if _, excluded := skip[userID]; excluded {
			continue
		}
		h.deliverLocal(ctx, userID, env)
	}

	if h.bus != nil {
		data, err := json.Marshal(env)
		if err != nil {
			logging.Error(ctx, "failed to marshal envelope for bus publish", zap.Error(err))
			return
		}
		if err := h.bus.Publish(ctx, roomID, "broadcast", json.RawMessage(data), h.shardID); err != nil {
			logging.Warn(ctx, "bus publish failed", zap.String("room_id", string(roomID)), zap.Error(err))
		}
	}
}

// handleRemoteMessage returns the Subscribe callback for roomID: it
// decodes an envelope published by another shard and delivers it to this
// shard's local connections. Messages this shard published itself are
// skipped, since Redis pub/sub echoes a publish back to the publisher's
// own subscription.
func (h *Hub) handleRemoteMessage(roomID types.RoomIDType) func(types.PubSubMessage) {
	return func(msg types.PubSubMessage) {
		if msg.SenderID == h.shardID {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			logging.Error(context.Background(), "failed to decode remote envelope", zap.Error(err))
			return
		}

		h.mu.Lock()
		entry, ok := h.rooms[roomID]
		h.mu.Unlock()
		if !ok {
			return
		}
		for _, userID := range entry.r.CurrentMemberIDs() {
			h.deliverLocal(context.Background(), userID, &env)
		}
	}
}

// SendToUser implements room.Broadcaster: point-to-point delivery to the
// user's local connection only, dropped silently if there is none. The bus
// is not used for point-to-point messages, so a user connected to another
// shard does not receive it.
func (h *Hub) SendToUser(ctx context.Context, userID types.UserIDType, env *protocol.Envelope) {
	h.deliverLocal(ctx, userID, env)
}

func (h *Hub) deliverLocal(ctx context.Context, userID types.UserIDType, env *protocol.Envelope) {
	h.mu.Lock()
	conn, ok := h.conns[userID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Send(env); err != nil {
		logging.Warn(ctx, "failed to enqueue message to connection", zap.String("user_id", string(userID)), zap.String("tag", string(env.Type)), zap.Error(err))
	}
}

// RoomClosed implements room.Broadcaster: the Room's driver has already
// stopped, so the Hub just evicts it from the registry. Room itself owns
// the ended->closed grace period (see internal/room), so there is no
// additional cleanup timer here.
func (h *Hub) RoomClosed(ctx context.Context, roomID types.RoomIDType) {
	h.mu.Lock()
	entry, ok := h.rooms[roomID]
	if ok {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	if h.bus != nil {
		if err := h.bus.SetRem(ctx, residentRoomsKey, string(roomID)); err != nil {
			logging.Warn(ctx, "failed to clear room residency on bus", zap.String("room_id", string(roomID)), zap.Error(err))
		}
	}
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(roomID))
	logging.Info(ctx, "room closed and evicted", zap.String("room_id", string(roomID)))
}
