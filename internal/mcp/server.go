// Package mcp provides the MCP (Model Context Protocol) server implementation
// for clinic-calendar-sync, exposing connection and sync operations as tools.
package mcp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"clinic-calendar-sync/internal/domain"
	"clinic-calendar-sync/internal/flow"
)

// Config holds the MCP server configuration.
type Config struct {
	Host             string
	Port             int
	APIKey           string // Static API key for authentication (optional)
	FirestoreProject string // GCP project for Firestore API key validation (optional)
}

// Service is the calendar integration surface exposed as tools.
type Service interface {
	StartAuthorization(ctx context.Context) (*flow.Authorization, error)
	AuthorizationState() flow.State
	GetConnectionStatus(ctx context.Context) (domain.ConnectionStatus, error)
	SetSyncEnabled(ctx context.Context, enabled bool) (domain.ConnectionStatus, error)
	Disconnect(ctx context.Context) error
	TriggerManualSync(ctx context.Context) (*domain.SyncLog, error)
	PullFromProvider(ctx context.Context) (*domain.SyncLog, error)
	GetSyncHistory(ctx context.Context, limit, offset int) ([]domain.SyncLog, error)
	GetCurrentSyncStatus(ctx context.Context) (*domain.SyncLog, error)
	GetSyncItems(ctx context.Context, syncLogID string) ([]domain.AppointmentSyncLog, error)
}

// Server wraps the MCP server and HTTP server.
type Server struct {
	config          *Config
	service         Service
	mcpServer       *mcp.Server
	httpServer      *http.Server
	firestoreClient *firestore.Client
}

// APIKeyDocument represents the structure stored in Firestore for API keys.
// Collection: api_keys, Document ID: the API key itself
type APIKeyDocument struct {
	Description string `firestore:"description,omitempty"`
	CreatedAt   string `firestore:"created_at,omitempty"`
	Disabled    bool   `firestore:"disabled,omitempty"`
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg *Config, svc Service) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "clinic-calendar-sync",
		Version: "1.0.0",
	}, nil)

	return &Server{
		config:    cfg,
		service:   svc,
		mcpServer: mcpServer,
	}
}

// initFirestore initializes the Firestore client if a project is configured.
func (s *Server) initFirestore(ctx context.Context) error {
	if s.config.FirestoreProject == "" || s.config.APIKey != "" {
		return nil
	}

	client, err := firestore.NewClient(ctx, s.config.FirestoreProject)
	if err != nil {
		return fmt.Errorf("failed to create Firestore client: %w", err)
	}
	s.firestoreClient = client
	log.Info().Str("project", s.config.FirestoreProject).Msg("Firestore client initialized")
	return nil
}

// validateAPIKey reports whether apiKey grants access to the tools.
func (s *Server) validateAPIKey(ctx context.Context, apiKey string) (bool, error) {
	// No authentication configured
	if s.config.APIKey == "" && s.config.FirestoreProject == "" {
		return true, nil
	}

	if apiKey == "" {
		return false, nil
	}

	// Static key takes precedence
	if s.config.APIKey != "" {
		return subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.APIKey)) == 1, nil
	}

	if s.firestoreClient == nil {
		return false, errors.New("firestore client not initialized")
	}

	doc, err := s.firestoreClient.Collection("api_keys").Doc(apiKey).Get(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("API key lookup failed")
		return false, nil
	}

	var keyDoc APIKeyDocument
	if err := doc.DataTo(&keyDoc); err != nil {
		log.Warn().Err(err).Msg("Failed to parse API key document")
		return false, nil
	}
	if keyDoc.Disabled {
		return false, nil
	}
	return true, nil
}

// extractBearerToken extracts the API key from the Authorization header.
// Expected format: "Bearer <api_key>"
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}

	return strings.TrimPrefix(authHeader, bearerPrefix)
}

// authMiddleware wraps an HTTP handler with API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		valid, err := s.validateAPIKey(r.Context(), extractBearerToken(r))
		if err != nil {
			log.Error().Err(err).Msg("API key validation error")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		if !valid {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized: invalid or missing API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// EmptyInput is the input schema of tools without arguments.
type EmptyInput struct{}

// PingOutput is the output schema for the ping tool.
type PingOutput struct {
	Message string `json:"message"`
	Time    string `json:"time"`
}

// StatusOutput is the output schema for calendar_status tool.
type StatusOutput struct {
	Connected      bool   `json:"connected" jsonschema:"description=Whether a Google Calendar account is connected"`
	ConnectedEmail string `json:"connectedEmail,omitempty" jsonschema:"description=Email of the connected account"`
	CalendarID     string `json:"calendarId,omitempty" jsonschema:"description=Target calendar ID"`
	SyncEnabled    bool   `json:"syncEnabled" jsonschema:"description=Whether automatic sync is enabled"`
	LastSyncAt     string `json:"lastSyncAt,omitempty" jsonschema:"description=Start time of the last successful push (RFC3339)"`
	Authorization  string `json:"authorization" jsonschema:"description=Authorization flow phase: idle awaiting_callback exchanging"`
}

// ConnectOutput is the output schema for calendar_connect tool.
type ConnectOutput struct {
	AuthorizationURL string `json:"authorizationUrl" jsonschema:"description=URL the clinic user must open to grant access"`
	RedirectPort     int    `json:"redirectPort" jsonschema:"description=Local port receiving the redirect"`
	Message          string `json:"message" jsonschema:"description=Instructions"`
}

// SetSyncInput is the input schema for calendar_set_sync tool.
type SetSyncInput struct {
	Enabled bool `json:"enabled" jsonschema:"required,description=true to enable automatic sync false to disable it"`
}

// RunOutput describes one sync run.
type RunOutput struct {
	ID           string `json:"id" jsonschema:"description=Sync run ID"`
	Direction    string `json:"direction" jsonschema:"description=to_provider or from_provider"`
	Kind         string `json:"kind" jsonschema:"description=initial incremental or manual"`
	Status       string `json:"status" jsonschema:"description=pending in_progress success failed or partial"`
	ItemsSynced  int    `json:"itemsSynced" jsonschema:"description=Appointments synced"`
	ItemsFailed  int    `json:"itemsFailed" jsonschema:"description=Appointments that failed"`
	ErrorMessage string `json:"errorMessage,omitempty" jsonschema:"description=Run-level error"`
	StartedAt    string `json:"startedAt" jsonschema:"description=Start time (RFC3339)"`
	CompletedAt  string `json:"completedAt,omitempty" jsonschema:"description=Completion time (RFC3339)"`
}

// ItemOutput describes the result of one appointment within a run.
type ItemOutput struct {
	AppointmentID int64  `json:"appointmentId" jsonschema:"description=Clinic appointment ID"`
	ExternalID    string `json:"externalId,omitempty" jsonschema:"description=Calendar event ID"`
	Action        string `json:"action" jsonschema:"description=create update or delete"`
	Status        string `json:"status" jsonschema:"description=success failed or pending"`
	ErrorMessage  string `json:"errorMessage,omitempty" jsonschema:"description=Item error"`
}

// SyncInput is the input schema for calendar_sync tool.
type SyncInput struct {
	Pull bool `json:"pull,omitempty" jsonschema:"description=Apply calendar-side cancellations instead of pushing appointments"`
}

// SyncOutput is the output schema for calendar_sync tool.
type SyncOutput struct {
	Run   RunOutput    `json:"run" jsonschema:"description=The completed run"`
	Items []ItemOutput `json:"items" jsonschema:"description=Per-appointment results"`
}

// HistoryInput is the input schema for calendar_history tool.
type HistoryInput struct {
	Limit  int `json:"limit,omitempty" jsonschema:"description=Number of runs (default 20 max 100)"`
	Offset int `json:"offset,omitempty" jsonschema:"description=Number of runs to skip"`
}

// HistoryOutput is the output schema for calendar_history tool.
type HistoryOutput struct {
	Runs  []RunOutput `json:"runs" jsonschema:"description=Runs newest first"`
	Count int         `json:"count" jsonschema:"description=Number of runs returned"`
}

// CurrentOutput is the output schema for calendar_current_sync tool.
type CurrentOutput struct {
	InProgress bool       `json:"inProgress" jsonschema:"description=Whether a run is in progress"`
	Run        *RunOutput `json:"run,omitempty" jsonschema:"description=The run in progress"`
}

// DisconnectOutput is the output schema for calendar_disconnect tool.
type DisconnectOutput struct {
	Message string `json:"message" jsonschema:"description=Success message"`
}

// RegisterTools registers all calendar tools with the MCP server.
func (s *Server) RegisterTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "ping",
		Description: "Test connectivity with the MCP server",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, PingOutput, error) {
		return nil, PingOutput{Message: "pong", Time: time.Now().Format(time.RFC3339)}, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_status",
		Description: "Show the Google Calendar connection status",
	}, s.handleStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_connect",
		Description: "Start connecting a Google Calendar account and return the consent URL",
	}, s.handleConnect)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_set_sync",
		Description: "Enable or disable automatic appointment sync",
	}, s.handleSetSync)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_sync",
		Description: "Run a sync now: push appointments, or pull calendar-side cancellations",
	}, s.handleSync)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_history",
		Description: "List recent sync runs",
	}, s.handleHistory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_current_sync",
		Description: "Show the sync run in progress, if any",
	}, s.handleCurrent)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calendar_disconnect",
		Description: "Revoke access and forget the connected Google Calendar account",
	}, s.handleDisconnect)
}

// handleStatus implements the calendar_status MCP tool.
func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (
	*mcp.CallToolResult,
	StatusOutput,
	error,
) {
	status, err := s.service.GetConnectionStatus(ctx)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to get connection status: %w", err)
	}
	out := statusOutput(status)
	out.Authorization = s.service.AuthorizationState().String()
	return nil, out, nil
}

// handleConnect implements the calendar_connect MCP tool.
func (s *Server) handleConnect(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (
	*mcp.CallToolResult,
	ConnectOutput,
	error,
) {
	authz, err := s.service.StartAuthorization(ctx)
	if err != nil {
		return nil, ConnectOutput{}, fmt.Errorf("failed to start authorization: %w", err)
	}
	return nil, ConnectOutput{
		AuthorizationURL: authz.AuthorizationURL,
		RedirectPort:     authz.RedirectPort,
		Message:          "Open the URL on the machine running the server, then check calendar_status",
	}, nil
}

// handleSetSync implements the calendar_set_sync MCP tool.
func (s *Server) handleSetSync(ctx context.Context, req *mcp.CallToolRequest, input SetSyncInput) (
	*mcp.CallToolResult,
	StatusOutput,
	error,
) {
	status, err := s.service.SetSyncEnabled(ctx, input.Enabled)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to update sync setting: %w", err)
	}
	out := statusOutput(status)
	out.Authorization = s.service.AuthorizationState().String()
	return nil, out, nil
}

// handleSync implements the calendar_sync MCP tool.
func (s *Server) handleSync(ctx context.Context, req *mcp.CallToolRequest, input SyncInput) (
	*mcp.CallToolResult,
	SyncOutput,
	error,
) {
	var (
		run *domain.SyncLog
		err error
	)
	if input.Pull {
		run, err = s.service.PullFromProvider(ctx)
	} else {
		run, err = s.service.TriggerManualSync(ctx)
	}
	if err != nil {
		return nil, SyncOutput{}, fmt.Errorf("sync failed: %w", err)
	}

	items, err := s.service.GetSyncItems(ctx, run.ID)
	if err != nil {
		return nil, SyncOutput{}, fmt.Errorf("failed to list sync items: %w", err)
	}

	out := SyncOutput{Run: runOutput(run), Items: []ItemOutput{}}
	for _, it := range items {
		out.Items = append(out.Items, ItemOutput{
			AppointmentID: it.AppointmentID,
			ExternalID:    it.ExternalID,
			Action:        string(it.Action),
			Status:        string(it.Status),
			ErrorMessage:  it.ErrorMessage,
		})
	}
	return nil, out, nil
}

// handleHistory implements the calendar_history MCP tool.
func (s *Server) handleHistory(ctx context.Context, req *mcp.CallToolRequest, input HistoryInput) (
	*mcp.CallToolResult,
	HistoryOutput,
	error,
) {
	if input.Offset < 0 {
		return nil, HistoryOutput{}, fmt.Errorf("offset must not be negative")
	}
	runs, err := s.service.GetSyncHistory(ctx, input.Limit, input.Offset)
	if err != nil {
		return nil, HistoryOutput{}, fmt.Errorf("failed to list sync history: %w", err)
	}

	out := HistoryOutput{Runs: []RunOutput{}, Count: len(runs)}
	for i := range runs {
		out.Runs = append(out.Runs, runOutput(&runs[i]))
	}
	return nil, out, nil
}

// handleCurrent implements the calendar_current_sync MCP tool.
func (s *Server) handleCurrent(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (
	*mcp.CallToolResult,
	CurrentOutput,
	error,
) {
	run, err := s.service.GetCurrentSyncStatus(ctx)
	if err != nil {
		return nil, CurrentOutput{}, fmt.Errorf("failed to get current sync: %w", err)
	}
	if run == nil {
		return nil, CurrentOutput{}, nil
	}
	out := runOutput(run)
	return nil, CurrentOutput{InProgress: true, Run: &out}, nil
}

// handleDisconnect implements the calendar_disconnect MCP tool.
func (s *Server) handleDisconnect(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (
	*mcp.CallToolResult,
	DisconnectOutput,
	error,
) {
	if err := s.service.Disconnect(ctx); err != nil {
		return nil, DisconnectOutput{}, fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil, DisconnectOutput{Message: "Google Calendar disconnected"}, nil
}

func statusOutput(status domain.ConnectionStatus) StatusOutput {
	out := StatusOutput{
		Connected:      status.Connected,
		ConnectedEmail: status.ConnectedEmail,
		CalendarID:     status.CalendarID,
		SyncEnabled:    status.SyncEnabled,
	}
	if status.LastSyncAt != nil {
		out.LastSyncAt = status.LastSyncAt.UTC().Format(time.RFC3339)
	}
	return out
}

func runOutput(run *domain.SyncLog) RunOutput {
	out := RunOutput{
		ID:           run.ID,
		Direction:    string(run.Direction),
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		ItemsSynced:  run.ItemsSynced,
		ItemsFailed:  run.ItemsFailed,
		ErrorMessage: run.ErrorMessage,
		StartedAt:    run.StartedAt.UTC().Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		out.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Handler returns the authenticated streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		Stateless: false, // Enable session tracking
	})
	return s.authMiddleware(mcpHandler)
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.initFirestore(ctx); err != nil {
		return err
	}
	defer func() {
		if s.firestoreClient != nil {
			s.firestoreClient.Close()
		}
	}()

	s.RegisterTools()

	switch {
	case s.config.APIKey != "":
		log.Info().Msg("Authentication mode: static API key")
	case s.config.FirestoreProject != "":
		log.Info().Msg("Authentication mode: Firestore API keys")
	default:
		log.Warn().Msg("Authentication mode: disabled (no API key or Firestore project configured)")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("MCP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("Shutting down MCP server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	log.Info().Msg("MCP server stopped")
	return nil
}
