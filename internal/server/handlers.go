package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tsunagi-ai/tsunagi/internal/ai"
	"github.com/tsunagi-ai/tsunagi/internal/clock"
	"github.com/tsunagi-ai/tsunagi/internal/credential"
	"github.com/tsunagi-ai/tsunagi/internal/ingest"
	"github.com/tsunagi-ai/tsunagi/internal/integration"
	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/topics"
)

// SyncService is the orchestration surface the sync endpoints call.
type SyncService interface {
	Tick(ctx context.Context, kind model.IntegrationKind) (model.TickReport, error)
	TriggerIncremental(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) (*model.SyncSummary, error)
}

// CredentialService is the token lifecycle surface.
type CredentialService interface {
	RefreshProactively(ctx context.Context, kind model.IntegrationKind) (credential.RefreshReport, error)
	Connect(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind, res integration.RefreshResult) (model.IntegrationCredential, error)
	Disconnect(ctx context.Context, orgID uuid.UUID, kind model.IntegrationKind) error
}

// IngestService applies verified webhook deliveries.
type IngestService interface {
	IngestWebhook(ctx context.Context, kind model.IntegrationKind, headers http.Header, body []byte) (ingest.WebhookReceipt, error)
}

// TopicService runs topic aggregation passes.
type TopicService interface {
	Aggregate(ctx context.Context, req topics.Request) (topics.Report, error)
}

// AIService is the recommendation pipeline surface.
type AIService interface {
	Route(ctx context.Context, req ai.RouteRequest) (model.Suggestion, ai.Dossier, error)
	RecordFeedback(ctx context.Context, in ai.FeedbackInput) (model.Feedback, error)
	RecordOutcome(ctx context.Context, orgID, feedbackID uuid.UUID, positive bool, kind string) error
}

// BillingService consumes Stripe billing webhooks and mints checkout/portal
// sessions for plan management.
type BillingService interface {
	Enabled() bool
	HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error)
	CreateCheckoutSession(ctx context.Context, orgID uuid.UUID, email, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error)
}

// Connector drives the OAuth authorization-code dance.
type Connector interface {
	Supported(kind model.IntegrationKind) bool
	UsesPKCE(kind model.IntegrationKind) bool
	AuthCodeURL(kind model.IntegrationKind, state, pkceVerifier string) (string, error)
	Exchange(ctx context.Context, kind model.IntegrationKind, code, pkceVerifier string) (integration.RefreshResult, error)
}

// Store is the persistence surface handlers reach directly: OAuth state
// tokens, connection status reads, explicit preference settings, org lookups,
// liveness.
type Store interface {
	CreateOAuthState(ctx context.Context, s model.OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string) (model.OAuthState, error)
	ListCredentialsByOrg(ctx context.Context, orgID uuid.UUID) ([]model.IntegrationCredential, error)
	FindOrgByAccountHint(ctx context.Context, integration model.IntegrationKind, hint string) (uuid.UUID, error)
	FindOrgByUserEmail(ctx context.Context, email string) (uuid.UUID, error)
	GetOrg(ctx context.Context, id uuid.UUID) (model.Org, error)
	GetUserAIPreferences(ctx context.Context, orgID, userID uuid.UUID) (model.UserAIPreferences, error)
	UpsertUserAIPreferences(ctx context.Context, p model.UserAIPreferences) error
	Ping(ctx context.Context) error
}

// Handlers carries the dependencies every endpoint shares.
type Handlers struct {
	store     Store
	creds     CredentialService
	syncer    SyncService
	ingestor  IngestService
	topics    TopicService
	ai        AIService
	billing   BillingService
	connector Connector
	registry  *integration.Registry
	clock     clock.Clock
	logger    *slog.Logger

	// frontendURL is where the OAuth callback sends the browser back to.
	frontendURL string
}

// HandlersDeps configures NewHandlers. Billing and Connector are optional.
type HandlersDeps struct {
	Store       Store
	Credentials CredentialService
	Syncer      SyncService
	Ingestor    IngestService
	Topics      TopicService
	AI          AIService
	Billing     BillingService
	Connector   Connector
	Registry    *integration.Registry
	Clock       clock.Clock
	Logger      *slog.Logger
	FrontendURL string
}

// NewHandlers builds the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Handlers{
		store:       deps.Store,
		creds:       deps.Credentials,
		syncer:      deps.Syncer,
		ingestor:    deps.Ingestor,
		topics:      deps.Topics,
		ai:          deps.AI,
		billing:     deps.Billing,
		connector:   deps.Connector,
		registry:    deps.Registry,
		clock:       clk,
		logger:      deps.Logger.With("component", "server"),
		frontendURL: deps.FrontendURL,
	}
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTransient, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
