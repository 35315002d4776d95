// Package credential implements the token lifecycle: acquisition with a
// safety window, single-flight refresh coalescing, proactive batch refresh
// and invalidation. All token handling for outbound calls goes through the
// Manager; no other component reads secrets directly.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/integration"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
	"github.com/tsunagi-ai/tsunagi/internal/telemetry"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetCredential(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind) (model.IntegrationCredential, error)
	UpsertCredential(ctx context.Context, c model.IntegrationCredential) (model.IntegrationCredential, error)
	UpdateCredentialSecrets(ctx context.Context, c model.IntegrationCredential) error
	SetCredentialStatus(ctx context.Context, orgID uuid.UUID, integration model.IntegrationKind, status model.ConnectionStatus) error
	ListActiveCredentials(ctx context.Context, integration model.IntegrationKind) ([]model.IntegrationCredential, error)
}

// Manager coordinates credential reads and refreshes.
type Manager struct {
	store    Store
	registry *integration.Registry
	clock    clock.Clock
	logger   *slog.Logger

	// SafetyWindow is subtracted from expiry when judging usability: a
	// token expiring within the window counts as already expired.
	safetyWindow time.Duration
	// proactiveWindow selects candidates for the batch refresh pass.
	proactiveWindow time.Duration

	group singleflight.Group

	refreshCount metric.Int64Counter
}

// New builds a Manager.
func New(store Store, registry *integration.Registry, clk clock.Clock, logger *slog.Logger, safetyWindow, proactiveWindow time.Duration) *Manager {
	meter := telemetry.Meter("tsunagi/credential")
	refreshes, _ := meter.Int64Counter("tsunagi.credential.refresh_count",
		metric.WithDescription("Token refresh attempts by integration and outcome"),
	)
	return &Manager{
		store:           store,
		registry:        registry,
		clock:           clk,
		logger:          logger.With("component", "credential"),
		safetyWindow:    safetyWindow,
		proactiveWindow: proactiveWindow,
		refreshCount:    refreshes,
	}
}

func (m *Manager) countRefresh(ctx context.Context, kind model.IntegrationKind, outcome string) {
	m.refreshCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// Acquire returns a usable credential for (org, integration), refreshing
// first when the stored token is expired or inside the safety window.
// Concurrent acquirers for the same pair coalesce onto one refresh.
func (m *Manager) Acquire(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) (model.IntegrationCredential, error) {
	cred, err := m.store.GetCredential(ctx, orgID, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.IntegrationCredential{}, &model.NotConnectedError{OrgID: orgID, Integration: kind}
		}
		return model.IntegrationCredential{}, err
	}

	switch cred.Status {
	case model.ConnectionNeedsReconnect:
		return model.IntegrationCredential{}, &model.NeedsReconnectError{OrgID: orgID, Integration: kind, Reason: "credential marked needs_reconnect"}
	case model.ConnectionRevoked:
		return model.IntegrationCredential{}, &model.NotConnectedError{OrgID: orgID, Integration: kind}
	}

	if !cred.Expired(m.clock.Now(), m.safetyWindow) {
		return cred, nil
	}
	return m.refreshCoalesced(ctx, cred)
}

// refreshCoalesced funnels concurrent refreshes of one (org, integration)
// pair through a single provider call; followers share the leader's result.
func (m *Manager) refreshCoalesced(ctx context.Context, cred model.IntegrationCredential) (model.IntegrationCredential, error) {
	key := fmt.Sprintf("%s/%s", cred.OrgID, cred.Integration)
	v, err, shared := m.group.Do(key, func() (any, error) {
		return m.refresh(ctx, cred)
	})
	if err != nil {
		return model.IntegrationCredential{}, err
	}
	if shared {
		m.logger.Debug("refresh coalesced", "org_id", cred.OrgID, "integration", cred.Integration)
	}
	return v.(model.IntegrationCredential), nil
}

// refresh performs the provider exchange and persists the result. On a
// permanent failure the credential transitions to needs_reconnect and the
// caller gets NeedsReconnectError; transient failures leave stored state
// untouched.
func (m *Manager) refresh(ctx context.Context, cred model.IntegrationCredential) (model.IntegrationCredential, error) {
	adapter, ok := m.registry.Get(cred.Integration)
	if !ok || adapter.Refresher == nil {
		// No refresh protocol: the stored secret is all there is. Expiry on
		// such a credential means the provider key was rotated out of band.
		return model.IntegrationCredential{}, &model.NeedsReconnectError{
			OrgID: cred.OrgID, Integration: cred.Integration,
			Reason: "integration does not support token refresh",
		}
	}

	res, err := adapter.Refresher.Refresh(ctx, cred)
	if err != nil {
		if model.IsPermanent(err) {
			if serr := m.store.SetCredentialStatus(ctx, cred.OrgID, cred.Integration, model.ConnectionNeedsReconnect); serr != nil {
				m.logger.Error("mark needs_reconnect failed", "org_id", cred.OrgID, "integration", cred.Integration, "error", serr)
			}
			m.logger.Warn("refresh failed permanently",
				"org_id", cred.OrgID, "integration", cred.Integration, "error", err)
			m.countRefresh(ctx, cred.Integration, "needs_reconnect")
			return model.IntegrationCredential{}, &model.NeedsReconnectError{
				OrgID: cred.OrgID, Integration: cred.Integration, Reason: err.Error(),
			}
		}
		m.countRefresh(ctx, cred.Integration, "transient")
		return model.IntegrationCredential{}, err
	}

	now := m.clock.Now()
	cred.AccessSecret = res.AccessSecret
	if res.RefreshSecret != nil {
		cred.RefreshSecret = res.RefreshSecret
	}
	if res.ExpiresIn > 0 {
		exp := now.Add(res.ExpiresIn)
		cred.ExpiresAt = &exp
	}
	if res.SessionToken != nil {
		cred.SessionToken = res.SessionToken
	}
	if res.EndpointHint != nil {
		cred.EndpointHint = res.EndpointHint
	}
	cred.Status = model.ConnectionActive
	cred.LastRefresh = &now

	updated := cred
	// Pass only rotated values; COALESCE in the store keeps prior ones.
	updated.RefreshSecret = res.RefreshSecret
	updated.SessionToken = res.SessionToken
	updated.EndpointHint = res.EndpointHint
	updated.Metadata = res.Metadata
	if err := m.store.UpdateCredentialSecrets(ctx, updated); err != nil {
		return model.IntegrationCredential{}, fmt.Errorf("credential: persist refresh: %w", err)
	}

	m.logger.Info("credential refreshed",
		"org_id", cred.OrgID, "integration", cred.Integration,
		"rotated_refresh", res.RefreshSecret != nil)
	m.countRefresh(ctx, cred.Integration, "refreshed")
	return cred, nil
}

// Connect stores the tokens from a completed authorization dance as the
// tenant's active credential, replacing any prior row for the pair.
func (m *Manager) Connect(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind, res integration.RefreshResult) (model.IntegrationCredential, error) {
	now := m.clock.Now()
	cred := model.IntegrationCredential{
		ID:            uuid.New(),
		OrgID:         orgID,
		Integration:   kind,
		AccessSecret:  res.AccessSecret,
		RefreshSecret: res.RefreshSecret,
		SessionToken:  res.SessionToken,
		EndpointHint:  res.EndpointHint,
		Metadata:      res.Metadata,
		Status:        model.ConnectionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if res.ExpiresIn > 0 {
		exp := now.Add(res.ExpiresIn)
		cred.ExpiresAt = &exp
	}

	stored, err := m.store.UpsertCredential(ctx, cred)
	if err != nil {
		return model.IntegrationCredential{}, fmt.Errorf("credential: store connection: %w", err)
	}
	m.logger.Info("integration connected", "org_id", orgID, "integration", kind)
	return stored, nil
}

// Invalidate marks a credential as needing reconnection, typically after an
// outbound call came back 401 despite a fresh-looking token.
func (m *Manager) Invalidate(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) error {
	if err := m.store.SetCredentialStatus(ctx, orgID, kind, model.ConnectionNeedsReconnect); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &model.NotConnectedError{OrgID: orgID, Integration: kind}
		}
		return err
	}
	m.logger.Info("credential invalidated", "org_id", orgID, "integration", kind)
	return nil
}

// Disconnect marks a credential revoked at the user's request. The row is
// retained for audit; reconnecting writes a fresh one.
func (m *Manager) Disconnect(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) error {
	if err := m.store.SetCredentialStatus(ctx, orgID, kind, model.ConnectionRevoked); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &model.NotConnectedError{OrgID: orgID, Integration: kind}
		}
		return err
	}
	m.logger.Info("integration disconnected", "org_id", orgID, "integration", kind)
	return nil
}

// RefreshOutcome classifies one credential's fate in a proactive pass.
type RefreshOutcome string

const (
	OutcomeRefreshed       RefreshOutcome = "refreshed"
	OutcomeSkipped         RefreshOutcome = "skipped"
	OutcomeFailedTransient RefreshOutcome = "failed_transient"
	OutcomeNeedsReconnect  RefreshOutcome = "needs_reconnect"
)

// RefreshReport summarizes a proactive refresh pass.
type RefreshReport struct {
	Integration model.IntegrationKind        `json:"integration"`
	Examined    int                          `json:"examined"`
	Counts      map[RefreshOutcome]int       `json:"counts"`
	PerOrg      map[uuid.UUID]RefreshOutcome `json:"-"`
	Errors      map[uuid.UUID]string         `json:"errors,omitempty"`
}

// RefreshProactively walks every active credential for an integration and
// refreshes those expiring within the proactive window. A failure for one
// org never aborts the pass; each credential lands in exactly one outcome
// bucket.
func (m *Manager) RefreshProactively(ctx context.Context, kind model.IntegrationKind) (RefreshReport, error) {
	report := RefreshReport{
		Integration: kind,
		Counts:      make(map[RefreshOutcome]int),
		PerOrg:      make(map[uuid.UUID]RefreshOutcome),
		Errors:      make(map[uuid.UUID]string),
	}

	creds, err := m.store.ListActiveCredentials(ctx, kind)
	if err != nil {
		return report, fmt.Errorf("credential: list for proactive refresh: %w", err)
	}
	report.Examined = len(creds)

	adapter, _ := m.registry.Get(kind)
	decays := adapter.Refresher != nil && adapter.Refresher.RefreshDecays()

	for _, cred := range creds {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome := m.refreshOne(ctx, cred, decays, &report)
		report.Counts[outcome]++
		report.PerOrg[cred.OrgID] = outcome
	}

	m.logger.Info("proactive refresh pass complete",
		"integration", kind,
		"examined", report.Examined,
		"refreshed", report.Counts[OutcomeRefreshed],
		"skipped", report.Counts[OutcomeSkipped],
		"failed_transient", report.Counts[OutcomeFailedTransient],
		"needs_reconnect", report.Counts[OutcomeNeedsReconnect])
	return report, nil
}

func (m *Manager) refreshOne(ctx context.Context, cred model.IntegrationCredential, decays bool, report *RefreshReport) RefreshOutcome {
	// Decaying refresh tokens are exercised every pass to keep them alive;
	// stable ones only when expiry approaches.
	if !decays && !cred.Expired(m.clock.Now(), m.proactiveWindow) {
		return OutcomeSkipped
	}

	_, err := m.refreshCoalesced(ctx, cred)
	switch {
	case err == nil:
		return OutcomeRefreshed
	case model.IsTransient(err):
		report.Errors[cred.OrgID] = err.Error()
		m.logger.Warn("proactive refresh transient failure",
			"org_id", cred.OrgID, "integration", cred.Integration, "error", err)
		return OutcomeFailedTransient
	default:
		var nre *model.NeedsReconnectError
		if errors.As(err, &nre) {
			report.Errors[cred.OrgID] = nre.Reason
			return OutcomeNeedsReconnect
		}
		report.Errors[cred.OrgID] = err.Error()
		m.logger.Error("proactive refresh failed",
			"org_id", cred.OrgID, "integration", cred.Integration, "error", err)
		return OutcomeFailedTransient
	}
}
