package hangup

import (
	"context"
	"fmt"
	"time"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/telephony"
	"leasing-telephony/pkg/logger"
)

// isoMillis matches the timestamps the rest of the platform stores.
const isoMillis = "2006-01-02T15:04:05.000Z"

// saveCallDetails stores the provider's end time for the leg. A call the
// provider no longer knows is skipped.
func (s *Service) saveCallDetails(ctx context.Context, rec calls.CallRecord) error {
	d, err := s.d.Provider.GetCallDetails(ctx, rec.MessageID)
	if err != nil {
		s.metrics.CallDetailsResult("error")
		return fmt.Errorf("fetching call details: %w", err)
	}
	if d.NotFound {
		s.metrics.CallDetailsResult("not_found")
		logger.From(ctx).Warn("call details not found after timeout",
			"call_id", rec.MessageID,
			"total_wait", s.cfg.AfterCallDelay+s.cfg.CallDetailsDelay,
		)
		return nil
	}

	end := s.endTime(d.EndTime)
	if _, err := s.d.Details.Save(ctx, calls.CallDetails{
		CommID:  rec.ID,
		Details: map[string]any{"endTime": end.Format(isoMillis)},
	}); err != nil {
		s.metrics.CallDetailsResult("error")
		return fmt.Errorf("saving call details: %w", err)
	}
	s.metrics.CallDetailsResult("saved")
	return nil
}

// endTime parses the provider end time. An unusable value is replaced by the
// moment the call details were requested for.
func (s *Service) endTime(raw string) time.Time {
	if t, ok := telephony.ParseProviderTime(raw); ok {
		return t.UTC()
	}
	return s.now().UTC().Add(-s.cfg.CallDetailsDelay)
}
