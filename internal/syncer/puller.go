package syncer

import (
	"context"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Window bounds one sync pull: everything the provider changed at or after
// Since, resuming from Cursor when the provider pages.
type Window struct {
	Mode   model.SyncMode
	Since  time.Time
	Cursor *string
}

// PullResult is what one pull pass produced.
type PullResult struct {
	Events []model.InboundEvent
	// NewCursor is persisted only after every event is accounted for. Nil
	// means the provider has no cursor concept or nothing moved.
	NewCursor *string
}

// Puller fetches changed items from a provider for one tenant. Errors follow
// the shared taxonomy: transient failures abort the run without advancing
// any progress marker.
type Puller interface {
	Pull(ctx context.Context, cred model.IntegrationCredential, w Window) (PullResult, error)
}

// pushOnlyPuller serves integrations that deliver everything by webhook.
// A sync pass over them is a no-op that still stamps last_successful_sync,
// keeping the catch-up detector quiet.
type pushOnlyPuller struct{}

func (pushOnlyPuller) Pull(context.Context, model.IntegrationCredential, Window) (PullResult, error) {
	return PullResult{}, nil
}
