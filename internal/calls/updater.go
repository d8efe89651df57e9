package calls

import (
	"context"
	"fmt"

	"leasing-telephony/pkg/logger"
)

// UpdateNotifier announces that a leg changed.
type UpdateNotifier interface {
	NotifyCommunicationUpdate(ctx context.Context, rec CallRecord) error
}

// Updater applies a delta to a leg and performs the bookkeeping every leg
// update needs: one unread entry per party, then a client notification.
type Updater struct {
	repo   Repository
	notify UpdateNotifier
}

func NewUpdater(repo Repository, notify UpdateNotifier) *Updater {
	return &Updater{repo: repo, notify: notify}
}

func (u *Updater) Update(ctx context.Context, id string, d Delta) (CallRecord, error) {
	rec, err := u.repo.UpdateByID(ctx, id, d)
	if err != nil {
		return CallRecord{}, fmt.Errorf("updating communication %s: %w", id, err)
	}
	if rec.Unread {
		for _, partyID := range rec.Parties {
			if err := u.repo.SaveUnread(ctx, partyID, rec); err != nil {
				logger.From(ctx).Error("saving unread communication failed",
					"err", err, "party_id", partyID)
			}
		}
	}
	if u.notify != nil {
		if err := u.notify.NotifyCommunicationUpdate(ctx, rec); err != nil {
			logger.From(ctx).Warn("communication update notification failed", "err", err)
		}
	}
	return rec, nil
}

// MarkMissed flags the leg missed and unread with the given reason.
func (u *Updater) MarkMissed(ctx context.Context, id string, reason MissedCallReason) (CallRecord, error) {
	return u.Update(ctx, id, Delta{
		Message: MessageDelta{IsMissed: Bool(true), MissedCallReason: Reason(reason)},
		Unread:  Bool(true),
	})
}
