// Package client is the party-side view of the service: a REST API client
// and a local trip cache kept honest by refetching on push events.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/models"
)

// apiError mirrors the server's error body.
type apiError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

type API struct {
	http *resty.Client
}

func NewAPI(baseURL string, timeout time.Duration) *API {
	return &API{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(0),
	}
}

// WithToken authenticates every later request with a bearer credential.
func (a *API) WithToken(token string) *API {
	a.http.SetAuthToken(token)
	return a
}

// CounterRequest is the body of PATCH /trips/counterPrice.
type CounterRequest struct {
	TripID       string      `json:"tripId"`
	UserID       string      `json:"userId"`
	Role         models.Role `json:"role"`
	CounterPrice float64     `json:"counterPrice"`
}

// StatusRequest is the body of PATCH /trips/status.
type StatusRequest struct {
	TripID   string      `json:"tripId"`
	Action   string      `json:"action"`
	BidIndex int         `json:"bidIndex"`
	Role     models.Role `json:"role,omitempty"`
	UserID   string      `json:"userId,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

func (a *API) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var trip models.Trip
	if err := a.do(ctx, "GET", "/trips/"+tripID, nil, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

func (a *API) SubmitCounter(ctx context.Context, req CounterRequest) (*models.Trip, error) {
	var trip models.Trip
	if err := a.do(ctx, "PATCH", "/trips/counterPrice", req, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

func (a *API) UpdateStatus(ctx context.Context, req StatusRequest) (*models.Trip, error) {
	var trip models.Trip
	if err := a.do(ctx, "PATCH", "/trips/status", req, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

// ProviderInProgress lists the trips userID is currently carrying.
func (a *API) ProviderInProgress(ctx context.Context, userID string) ([]*models.Trip, error) {
	var trips []*models.Trip
	if err := a.do(ctx, "GET", "/trips/owner/"+userID+"/progressTrip", nil, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

func (a *API) OpenTrips(ctx context.Context) ([]*models.Trip, error) {
	var trips []*models.Trip
	if err := a.do(ctx, "GET", "/trips/open", nil, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// SaveLocation reports a position over REST, for when the push channel is
// down.
func (a *API) SaveLocation(ctx context.Context, userID string, lat, lng float64) error {
	body := map[string]any{"userId": userID, "latitude": lat, "longitude": lng}
	return a.do(ctx, "POST", "/locations", body, nil)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr apiError
	r := a.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		r.SetBody(body)
	}
	if out != nil {
		r.SetResult(out)
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return errs.Network(method+" "+path, err)
	}
	if resp.IsError() {
		if apiErr.Error == "" {
			return errs.Network(method+" "+path, fmt.Errorf("unexpected status %d", resp.StatusCode()))
		}
		return errs.FromKind(apiErr.Error, apiErr.Field, apiErr.Message)
	}
	return nil
}
