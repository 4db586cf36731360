package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsechat/pulse/internal/bus"
	apierrors "github.com/pulsechat/pulse/internal/errors"
)

const (
	// fanoutBuffer bounds references waiting for local fan-out.
	fanoutBuffer = 256

	// loadTimeout bounds the store read behind one fan-out.
	loadTimeout = 5 * time.Second
)

// Consume accepts a message reference from the bus and queues it for local
// fan-out. It never blocks: the bus dispatches on its own goroutine, and a
// full queue sheds the reference rather than stalling the subscription.
// Clients recover anything shed here from history on their next load.
func (g *Gateway) Consume(ref bus.MessageRef) {
	select {
	case g.fanout <- ref:
	case <-g.fanoutDone:
	default:
		g.logger.Warn("fan-out queue full, dropping message reference",
			slog.String("message_id", ref.MessageID),
			slog.String("conversation_id", ref.ConversationID))
	}
}

// fanoutLoop is the single worker that turns queued references into
// message_received frames. One worker keeps fan-out in publish order per
// conversation; parallel delivery would let two messages from the same
// sender swap on the wire.
func (g *Gateway) fanoutLoop() {
	defer g.fanoutWG.Done()

	for {
		select {
		case ref := <-g.fanout:
			g.deliver(ref)
		case <-g.fanoutDone:
			// Flush what is already queued so references accepted
			// before shutdown still reach local members.
			for {
				select {
				case ref := <-g.fanout:
					g.deliver(ref)
				default:
					return
				}
			}
		}
	}
}

// deliver re-reads the full message and broadcasts it to the local room.
// The reference on the bus is a pointer, not a payload: re-reading keeps
// frames consistent with the store and keeps large bodies off the broker.
func (g *Gateway) deliver(ref bus.MessageRef) {
	room := RoomName(ref.ConversationID)
	if g.rooms.Members(room) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	view, err := g.messages.LoadView(ctx, ref.MessageID)
	if err != nil {
		if apierrors.KindOf(err) == apierrors.KindNotFound {
			g.logger.Warn("message referenced on bus not found, dropping",
				slog.String("message_id", ref.MessageID),
				slog.String("conversation_id", ref.ConversationID))
			return
		}
		g.logger.LogError(ctx, err, "failed to load message for fan-out",
			"message_id", ref.MessageID)
		return
	}

	frame, err := encodeFrame(EventMessageReceived, view, nil)
	if err != nil {
		g.logger.LogError(ctx, err, "failed to encode message frame",
			"message_id", ref.MessageID)
		return
	}

	sent := g.rooms.Broadcast(room, frame, nil)
	g.logger.Debug("fanned out message",
		slog.String("message_id", ref.MessageID),
		slog.String("conversation_id", ref.ConversationID),
		slog.Int("recipients", sent))
}
