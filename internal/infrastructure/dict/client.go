// Package dict is the HTTP client for the network's central directory.
package dict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/directory"
)

// Client implements directory.Gateway over HTTP. Transport failures and
// timeouts surface as directory.ErrUnavailable; 4xx responses decode into a
// RejectedError.
type Client struct {
	base string
	http *http.Client
}

// New creates a directory client with a bounded per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: timeout},
	}
}

type remoteClaimDTO struct {
	ClaimID       uuid.UUID `json:"claimId"`
	Kind          string    `json:"kind"`
	Alias         string    `json:"alias"`
	RequesterISPB string    `json:"requesterIspb"`
	DonorISPB     string    `json:"donorIspb"`
	Status        string    `json:"status"`
	Deadline      time.Time `json:"deadline"`
}

func (d *remoteClaimDTO) toDomain() *directory.RemoteClaim {
	return &directory.RemoteClaim{
		ClaimID:       d.ClaimID,
		Kind:          claim.Kind(d.Kind),
		Alias:         d.Alias,
		RequesterISPB: d.RequesterISPB,
		DonorISPB:     d.DonorISPB,
		Status:        claim.RemoteStatus(d.Status),
		Deadline:      d.Deadline,
	}
}

func (c *Client) RegisterClaim(ctx context.Context, req directory.ClaimRequest) (*directory.RemoteClaim, error) {
	body := map[string]string{
		"claimId":       req.ClaimID.String(),
		"kind":          string(req.Kind),
		"alias":         req.Alias,
		"requesterIspb": req.RequesterISPB,
		"donorIspb":     req.DonorISPB,
	}
	var dto remoteClaimDTO
	if err := c.do(ctx, http.MethodPost, "/claims", body, &dto); err != nil {
		return nil, err
	}
	return dto.toDomain(), nil
}

func (c *Client) GetClaim(ctx context.Context, claimID uuid.UUID) (*directory.RemoteClaim, error) {
	var dto remoteClaimDTO
	if err := c.do(ctx, http.MethodGet, "/claims/"+claimID.String(), nil, &dto); err != nil {
		return nil, err
	}
	return dto.toDomain(), nil
}

func (c *Client) ListClaims(ctx context.Context, cursor string) (*directory.ClaimPage, error) {
	path := "/claims"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var dto struct {
		Claims []remoteClaimDTO `json:"claims"`
		Cursor string           `json:"cursor"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &dto); err != nil {
		return nil, err
	}
	page := &directory.ClaimPage{Cursor: dto.Cursor}
	for i := range dto.Claims {
		page.Claims = append(page.Claims, dto.Claims[i].toDomain())
	}
	return page, nil
}

func (c *Client) ConfirmClaim(ctx context.Context, claimID uuid.UUID, reason string) error {
	return c.do(ctx, http.MethodPost, "/claims/"+claimID.String()+"/confirm", map[string]string{"reason": reason}, nil)
}

func (c *Client) CancelClaim(ctx context.Context, claimID uuid.UUID, reason string) error {
	return c.do(ctx, http.MethodPost, "/claims/"+claimID.String()+"/cancel", map[string]string{"reason": reason}, nil)
}

func (c *Client) RemoveEntry(ctx context.Context, alias string) error {
	return c.do(ctx, http.MethodDelete, "/entries/"+url.PathEscape(alias), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, directory.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, directory.ErrUnavailable)
	case resp.StatusCode >= 400:
		var rej struct {
			Code   string `json:"code"`
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&rej)
		if rej.Reason == "" {
			rej.Reason = resp.Status
		}
		return &directory.RejectedError{Code: rej.Code, Reason: rej.Reason}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, directory.ErrUnavailable)
	}
	return nil
}
