package coordinator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/SahilKulkarni10/metaconnect-broker/dispatch"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
	"github.com/SahilKulkarni10/metaconnect-broker/store"
	"github.com/SahilKulkarni10/metaconnect-broker/telemetry"
)

// ReadStateCoordinator serializes read-receipt mutations per message.
type ReadStateCoordinator struct {
	store        store.MessageStore
	pub          dispatch.Publisher
	locks        *entityLocks
	storeTimeout time.Duration
}

func NewReadStateCoordinator(s store.MessageStore, pub dispatch.Publisher, storeTimeout time.Duration) *ReadStateCoordinator {
	return &ReadStateCoordinator{
		store:        s,
		pub:          pub,
		locks:        newEntityLocks(),
		storeTimeout: storeTimeout,
	}
}

// MarkRead flips a message's read flag. Only the recipient may mark; the
// flag is monotonic, so re-marking an already-read message is a harmless
// no-op that fans nothing out. On the first transition the sender's
// personal room is notified across all of their devices; the reader is not
// told about their own action.
func (c *ReadStateCoordinator) MarkRead(ctx context.Context, messageID, readerUserID string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.MarkRead",
		attribute.String("message.id", messageID), attribute.String("user.id", readerUserID))
	defer span.End()

	release := c.locks.acquire(messageID)
	defer release()

	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	msg, err := c.store.Get(sctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return reject("mark_read", ErrMessageNotFound)
		}
		telemetry.RecordError(ctx, err)
		return reject("mark_read", storeErr(err))
	}
	if msg.RecipientID != readerUserID {
		return reject("mark_read", ErrNotRecipient)
	}
	if msg.Read {
		return nil
	}

	if err := c.store.MarkRead(sctx, messageID); err != nil {
		telemetry.RecordError(ctx, err)
		return reject("mark_read", storeErr(err))
	}

	c.pub.Publish(protocol.UserRoom(msg.SenderID), protocol.EventMessageRead, protocol.MessageReadPayload{
		MessageID: messageID,
	})
	return nil
}
