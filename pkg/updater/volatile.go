package updater

import (
	"context"
)

// handleInstallVolatileTrigger compiles a runtime trigger into the actor's
// tables. Failures are replied to the caller and the injected message is
// discarded; the actor itself survives.
func (u *DataUpdater) handleInstallVolatileTrigger(ctx context.Context, msg *message) error {
	req := msg.install
	err := u.triggers.Install(req.ObjectID, req.ObjectType, req.ParentTriggerID, req.SimpleTriggerID,
		req.TriggerData, req.TriggerTarget, u.endpointResolver(ctx))
	if err != nil {
		u.logger.Warn("Refused volatile trigger", "simple_trigger_id", req.SimpleTriggerID, "error", err)
		msg.replyOnce(err)
		return u.tracker.Discard(msg.messageID)
	}

	u.volatileTriggers = append(u.volatileTriggers, volatileTrigger{
		objectID:        req.ObjectID,
		objectType:      req.ObjectType,
		parentTriggerID: req.ParentTriggerID,
		simpleTriggerID: req.SimpleTriggerID,
		triggerData:     req.TriggerData,
		triggerTarget:   req.TriggerTarget,
	})
	u.logger.Info("Installed volatile trigger", "simple_trigger_id", req.SimpleTriggerID)

	if err := u.tracker.AckDelivery(msg.messageID); err != nil {
		return err
	}
	msg.replyOnce(nil)
	return nil
}

// handleDeleteVolatileTrigger removes a runtime trigger by its simple
// trigger id, from both the re-apply list and the live tables.
func (u *DataUpdater) handleDeleteVolatileTrigger(_ context.Context, msg *message) error {
	found := false
	kept := u.volatileTriggers[:0]
	for _, v := range u.volatileTriggers {
		if v.simpleTriggerID == msg.deleteTriggerID {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	u.volatileTriggers = kept

	if !u.triggers.RemoveTarget(msg.deleteTriggerID) && !found {
		msg.replyOnce(ErrTriggerNotFound)
		return u.tracker.Discard(msg.messageID)
	}
	u.logger.Info("Deleted volatile trigger", "simple_trigger_id", msg.deleteTriggerID)

	if err := u.tracker.AckDelivery(msg.messageID); err != nil {
		return err
	}
	msg.replyOnce(nil)
	return nil
}
