package protocol

import (
	"context"

	"mcpwire/jsonrpc"
)

// Exchange handles one frame for request/response transports and returns the
// serialized reply. Notifications, replies and unusable frames produce nil.
func (e *Engine) Exchange(ctx context.Context, frame []byte) []byte {
	msg, err := jsonrpc.Parse(frame)
	if err != nil {
		e.log.Warn().Err(err).Str("frame", preview(frame)).Msg("dropping malformed frame")
		return nil
	}

	replies := make(chan *jsonrpc.Message, 1)
	sink := func(_ context.Context, reply *jsonrpc.Message) error {
		replies <- reply
		return nil
	}
	if err := e.ProcessMessage(ctx, msg, sink); err != nil {
		e.log.Error().Err(err).Str("frame", preview(frame)).Msg("dropping frame")
		return nil
	}
	if !msg.IsRequest() {
		return nil
	}

	select {
	case reply := <-replies:
		data, err := reply.Serialize()
		if err != nil {
			e.log.Error().Err(err).Msg("failed to serialize reply")
			return nil
		}
		return data
	case <-ctx.Done():
		return nil
	}
}
