// Package calendar provides the Google Calendar API client used by the sync:
// event CRUD, calendar discovery, account email lookup and token revocation.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"clinic-calendar-sync/internal/domain"
)

// RevokeURL is Google's token revocation endpoint.
const RevokeURL = "https://oauth2.googleapis.com/revoke"

// AppointmentIDProperty is the private extended property carrying the local id.
const AppointmentIDProperty = "appointmentId"

// Client calls Google Calendar with a caller-supplied access token.
type Client struct {
	endpoint   string
	revokeURL  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the API calls at another base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithRevokeURL overrides the revocation endpoint.
func WithRevokeURL(u string) Option {
	return func(c *Client) { c.revokeURL = u }
}

// WithHTTPClient sets the base transport. The access token is still attached.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{revokeURL: RevokeURL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) options(accessToken string) []option.ClientOption {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	var opts []option.ClientOption
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Transport: &oauth2.Transport{Source: src, Base: c.httpClient.Transport},
			Timeout:   c.httpClient.Timeout,
		}))
	} else {
		opts = append(opts, option.WithTokenSource(src))
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return opts
}

func (c *Client) service(ctx context.Context, accessToken string) (*gcal.Service, error) {
	srv, err := gcal.NewService(ctx, c.options(accessToken)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar API service: %w", err)
	}
	return srv, nil
}

// EventInput is the provider-neutral body of an event.
type EventInput struct {
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	AppointmentID int64
}

// RemoteEvent is the part of a provider event the pull direction reads.
type RemoteEvent struct {
	ID            string
	Status        string
	AppointmentID string
	Updated       string
}

// Cancelled reports whether the event was cancelled or deleted remotely.
func (e RemoteEvent) Cancelled() bool {
	return e.Status == "cancelled"
}

func toEvent(in EventInput) *gcal.Event {
	return &gcal.Event{
		Summary:     in.Summary,
		Description: in.Description,
		Start:       &gcal.EventDateTime{DateTime: in.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: in.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{AppointmentIDProperty: fmt.Sprintf("%d", in.AppointmentID)},
		},
	}
}

// InsertEvent creates an event and returns its id.
func (c *Client) InsertEvent(ctx context.Context, accessToken, calendarID string, in EventInput) (string, error) {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	ev, err := srv.Events.Insert(calendarID, toEvent(in)).Context(ctx).Do()
	if err != nil {
		return "", providerError("failed to create event", err)
	}
	return ev.Id, nil
}

// UpdateEvent replaces an event's body.
func (c *Client) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, in EventInput) error {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if _, err := srv.Events.Update(calendarID, eventID, toEvent(in)).Context(ctx).Do(); err != nil {
		return providerError("failed to update event", err)
	}
	return nil
}

// DeleteEvent deletes an event. An event that is already gone is not an error.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = srv.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	perr := providerError("failed to delete event", err)
	var apiErr *domain.ProviderAPIError
	if errors.As(perr, &apiErr) && apiErr.IsGone() {
		return nil
	}
	return perr
}

// ListEvents returns events between from and to, including cancelled ones.
func (c *Client) ListEvents(ctx context.Context, accessToken, calendarID string, from, to time.Time) ([]RemoteEvent, error) {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var out []RemoteEvent
	call := srv.Events.List(calendarID).
		TimeMin(from.UTC().Format(time.RFC3339)).
		TimeMax(to.UTC().Format(time.RFC3339)).
		ShowDeleted(true).
		SingleEvents(true)
	err = call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			ev := RemoteEvent{ID: item.Id, Status: item.Status, Updated: item.Updated}
			if item.ExtendedProperties != nil {
				ev.AppointmentID = item.ExtendedProperties.Private[AppointmentIDProperty]
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, providerError("failed to list events", err)
	}
	return out, nil
}

// EnsureCalendar returns the id of the calendar whose summary is name,
// creating it when the account has none.
func (c *Client) EnsureCalendar(ctx context.Context, accessToken, name string) (string, error) {
	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	var found string
	err = srv.CalendarList.List().Pages(ctx, func(page *gcal.CalendarList) error {
		for _, entry := range page.Items {
			if entry.Summary == name {
				found = entry.Id
				return errStopPaging
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return "", providerError("failed to list calendars", err)
	}
	if found != "" {
		return found, nil
	}

	created, err := srv.Calendars.Insert(&gcal.Calendar{
		Summary:  name,
		TimeZone: "UTC",
	}).Context(ctx).Do()
	if err != nil {
		return "", providerError("failed to create calendar", err)
	}
	return created.Id, nil
}

var errStopPaging = errors.New("stop paging")

// UserEmail returns the email of the account owning the token.
func (c *Client) UserEmail(ctx context.Context, accessToken string) (string, error) {
	srv, err := oauth2api.NewService(ctx, c.options(accessToken)...)
	if err != nil {
		return "", fmt.Errorf("failed to create userinfo service: %w", err)
	}
	info, err := srv.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", providerError("failed to get user info", err)
	}
	return info.Email, nil
}

// Revoke invalidates a token at the provider.
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hc := http.DefaultClient
	if c.httpClient != nil {
		hc = c.httpClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()
	if err := googleapi.CheckResponse(resp); err != nil {
		return providerError("failed to revoke token", err)
	}
	return nil
}

// providerError wraps Google API errors as ProviderAPIError.
func providerError(msg string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		body := gerr.Body
		if body == "" {
			body = gerr.Message
		}
		return fmt.Errorf("%s: %w", msg, &domain.ProviderAPIError{StatusCode: gerr.Code, Body: body})
	}
	return fmt.Errorf("%s: %w", msg, err)
}
