package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/AyobamiH/Lagos/internal/model"
	"github.com/AyobamiH/Lagos/internal/session"
)

// unwrap decodes body into out, accepting both the bare object and the
// {"<field>": {...}} envelope some endpoints still return.
func unwrap(body []byte, field string, out any) error {
	if len(body) == 0 {
		return nil
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err == nil {
		if inner, ok := env[field]; ok && len(inner) > 0 && inner[0] == '{' {
			return json.Unmarshal(inner, out)
		}
	}
	return json.Unmarshal(body, out)
}

func (c *Client) SubmitFeedback(ctx context.Context, message string) (*model.Feedback, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/feedback", Body: map[string]string{"message": message}})
	if err != nil {
		return nil, err
	}
	var fb model.Feedback
	if err := unwrap(resp.Body, "feedback", &fb); err != nil {
		return nil, fmt.Errorf("transport: decode feedback: %w", err)
	}
	return &fb, nil
}

func (c *Client) RequestRide(ctx context.Context, req model.RideRequest) (*model.RideRequestResult, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/rides/request", Body: req})
	if err != nil {
		return nil, err
	}
	var out model.RideRequestResult
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("transport: decode ride request: %w", err)
	}
	return &out, nil
}

// ListRides fetches one page. A 304 yields the cached page.
func (c *Client) ListRides(ctx context.Context, cursor, status string) (*model.RidesPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/rides"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.Do(ctx, Request{Path: path})
	if err != nil {
		return nil, err
	}
	var page model.RidesPage
	if err := resp.Decode(&page); err != nil {
		return nil, fmt.Errorf("transport: decode rides page: %w", err)
	}
	return &page, nil
}

func (c *Client) RideDetail(ctx context.Context, rideID string) (*model.Ride, error) {
	resp, err := c.Do(ctx, Request{Path: "/rides/" + url.PathEscape(rideID)})
	if err != nil {
		return nil, err
	}
	var ride model.Ride
	if err := unwrap(resp.Body, "ride", &ride); err != nil {
		return nil, fmt.Errorf("transport: decode ride: %w", err)
	}
	return &ride, nil
}

// PatchRide sends the last seen validator for the ride as If-Match.
func (c *Client) PatchRide(ctx context.Context, rideID string, patch model.RidePatch) (*model.Ride, error) {
	path := "/rides/" + url.PathEscape(rideID)
	resp, err := c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: patch, IfMatch: c.ETagFor(path)})
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &raw); err == nil {
		if eta, ok := raw["eta"]; ok {
			if _, has := raw["etaMinutes"]; !has {
				raw["etaMinutes"] = eta
				resp.Body, _ = json.Marshal(raw)
			}
		}
	}
	var ride model.Ride
	if err := unwrap(resp.Body, "ride", &ride); err != nil {
		return nil, fmt.Errorf("transport: decode ride: %w", err)
	}
	// the cached validator is now stale
	c.etags.Invalidate(path + "::")
	return &ride, nil
}

func (c *Client) UpdateDriverLocation(ctx context.Context, at model.LatLng) error {
	_, err := c.Do(ctx, Request{Method: http.MethodPatch, Path: "/drivers/location", Body: at})
	return err
}

func (c *Client) DriverLifecycle(ctx context.Context, rideID string, op model.LifecycleOp) (*model.Ride, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("transport: unknown lifecycle op %q", op)
	}
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/rides/" + url.PathEscape(rideID) + "/" + string(op), Body: struct{}{}})
	if err != nil {
		return nil, err
	}
	var ride model.Ride
	if err := unwrap(resp.Body, "ride", &ride); err != nil {
		return nil, fmt.Errorf("transport: decode ride: %w", err)
	}
	return &ride, nil
}

func (c *Client) AcceptRide(ctx context.Context, rideID string) (*model.Ride, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/rides/" + url.PathEscape(rideID) + "/accept"})
	if err != nil {
		return nil, err
	}
	var ride model.Ride
	if err := unwrap(resp.Body, "ride", &ride); err != nil {
		return nil, fmt.Errorf("transport: decode ride: %w", err)
	}
	return &ride, nil
}

func (c *Client) DeclineRide(ctx context.Context, rideID string) error {
	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/rides/" + url.PathEscape(rideID) + "/decline",
		Body:   map[string]string{"confirm": "decline"},
	})
	return err
}

// InitiatePayment reuses one idempotency key per ride and method until the
// server accepts the intent.
func (c *Client) InitiatePayment(ctx context.Context, req model.PaymentRequest) (*model.Payment, error) {
	seed := "init:" + req.RideID + ":" + req.Method
	return c.payment(ctx, seed, "/payments", req)
}

// CapturePayment captures amount (0 means the remaining balance).
func (c *Client) CapturePayment(ctx context.Context, paymentID string, amount float64) (*model.Payment, error) {
	body := map[string]float64{}
	if amount > 0 {
		body["amount"] = amount
	}
	seed := fmt.Sprintf("cap:%s:%g", paymentID, amount)
	return c.payment(ctx, seed, "/payments/"+url.PathEscape(paymentID)+"/capture", body)
}

func (c *Client) payment(ctx context.Context, seed, path string, body any) (*model.Payment, error) {
	resp, err := c.Do(ctx, Request{
		Method:         http.MethodPost,
		Path:           path,
		Body:           body,
		IdempotencyKey: c.idem.Key(seed),
	})
	if err != nil {
		return nil, err
	}
	c.idem.Release(seed)
	var p model.Payment
	if err := unwrap(resp.Body, "payment", &p); err != nil {
		return nil, fmt.Errorf("transport: decode payment: %w", err)
	}
	return &p, nil
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Role         string `json:"role"`
}

// RefreshTokens exchanges a refresh token for a new pair. The call carries no
// bearer credential, so a 401 here never starts another refresh.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   c.refreshPath,
		Body:   map[string]string{"refreshToken": refreshToken},
		NoAuth: true,
	})
	if err != nil {
		return session.TokenPair{}, err
	}
	var rr refreshResponse
	if err := resp.Decode(&rr); err != nil {
		return session.TokenPair{}, fmt.Errorf("transport: decode refresh: %w", err)
	}
	tok := rr.AccessToken
	if tok == "" {
		tok = rr.Token
	}
	return session.TokenPair{AccessToken: tok, RefreshToken: rr.RefreshToken, Role: rr.Role}, nil
}
