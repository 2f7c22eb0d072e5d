package room

import (
	"context"

	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/types"
)

// Broadcaster is the narrow slice of the Hub a Room is allowed to call.
// Rooms never touch the connection registry directly; every outbound
// message goes through this interface, which the Hub implements by
// enumerating live connections itself.
type Broadcaster interface {
	// BroadcastToRoom delivers env to every currently-connected member of
	// roomID except those listed in exclude.
	BroadcastToRoom(ctx context.Context, roomID types.RoomIDType, env *protocol.Envelope, exclude ...types.UserIDType)
	// SendToUser delivers env to a single user if connected; dropped
	// silently otherwise.
	SendToUser(ctx context.Context, userID types.UserIDType, env *protocol.Envelope)
	// RoomClosed tells the Hub to drop roomID from its room registry; the
	// driver has already stopped.
	RoomClosed(ctx context.Context, roomID types.RoomIDType)
}
