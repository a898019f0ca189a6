package httpapi

import (
	"net"
	"time"

	"ArticleRelay/internal/domain"
)

type connectionView struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform"`
	AccountID   string    `json:"accountId"`
	Handle      string    `json:"handle"`
	ConnectedAt time.Time `json:"connectedAt"`
}

func newConnectionView(c domain.Connection) connectionView {
	return connectionView{
		ID:          c.ID,
		Platform:    string(c.Platform),
		AccountID:   c.AccountID,
		Handle:      c.Handle,
		ConnectedAt: c.ConnectedAt,
	}
}

type shareView struct {
	ID          string     `json:"id,omitempty"`
	Platform    string     `json:"platform"`
	Status      string     `json:"status"`
	ExternalID  string     `json:"externalId,omitempty"`
	ExternalURL string     `json:"externalUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	SharedAt    *time.Time `json:"sharedAt,omitempty"`
}

func newShareView(rec domain.ShareRecord) shareView {
	v := shareView{
		ID:          rec.ID,
		Platform:    string(rec.Platform),
		Status:      string(rec.Status),
		ExternalID:  rec.ExternalID,
		ExternalURL: rec.ExternalURL,
		Error:       rec.Error,
		Attempts:    rec.Attempts,
		UpdatedAt:   rec.UpdatedAt,
	}
	if !rec.SharedAt.IsZero() {
		at := rec.SharedAt
		v.SharedAt = &at
	}
	return v
}

func resultsView(results map[domain.Platform]domain.ShareRecord) map[string]shareView {
	out := make(map[string]shareView, len(results))
	for p, rec := range results {
		out[string(p)] = newShareView(rec)
	}
	return out
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
