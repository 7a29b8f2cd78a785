package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/flowbridge-go/contracts"
)

// conversationListener is the per-invocation subscriber installed on the
// shared output channel for the duration of one Handle call. Every envelope
// broadcast on that channel passes through it; the listener keeps the single
// one that answers its conversation and ignores the rest.
//
// The captured envelope crosses goroutines through a one-shot slot: written
// by whichever goroutine delivers the broadcast, read by the caller after
// dispatch returns. A second matching write overwrites the first (last write
// wins); the ready signal fires only once.
type conversationListener struct {
	conversationID string
	slot           atomic.Pointer[contracts.Envelope]
	ready          chan struct{}
	once           sync.Once
	logger         *slog.Logger
}

func newConversationListener(conversationID string, logger *slog.Logger) *conversationListener {
	return &conversationListener{
		conversationID: conversationID,
		ready:          make(chan struct{}),
		logger:         logger,
	}
}

// OnMessage filters one broadcast envelope. It never fails: matches are
// recorded, everything else is discarded at the cost of a string compare.
func (l *conversationListener) OnMessage(ctx context.Context, env *contracts.Envelope) error {
	if env == nil {
		return nil
	}

	if env.CorrelationKey() == l.conversationID {
		if l.slot.Load() != nil {
			l.logger.Debug("conversation already answered, keeping latest response",
				slog.String("conversationId", l.conversationID),
				slog.String("messageId", env.ID))
		}
		l.record(env.PopSequence())
		return nil
	}

	if env.IsError() && env.Failure.Failed != nil &&
		env.Failure.Failed.CorrelationKey() == l.conversationID {
		l.record(env)
		return nil
	}

	// Traffic for some other conversation sharing the channel.
	return nil
}

func (l *conversationListener) record(env *contracts.Envelope) {
	l.slot.Store(env)
	l.once.Do(func() {
		close(l.ready)
	})
}

// Captured returns the recorded envelope, or nil if nothing matched. A
// positive grace makes it wait that long for a late capture, for substrates
// that deliver responses after the dispatch call has already returned.
func (l *conversationListener) Captured(ctx context.Context, grace time.Duration) *contracts.Envelope {
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-l.ready:
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	return l.slot.Load()
}
