package web

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jukasdrj/jobstream/internal/domain"
	red "github.com/jukasdrj/jobstream/internal/infra/redis"
)

// TicketIssuer mints and verifies the short-lived, single-use tickets that
// authenticate a streaming connection. The ticket travels in the
// Authorization header, never in the channel address, so it cannot leak
// through intermediary request logs.
type TicketIssuer struct {
	secret []byte
	ttl    time.Duration
	client red.RedisClient
}

func NewTicketIssuer(secret string, ttl time.Duration, client red.RedisClient) *TicketIssuer {
	return &TicketIssuer{secret: []byte(secret), ttl: ttl, client: client}
}

// Issue signs a ticket scoped to one job id.
func (t *TicketIssuer) Issue(jobID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   jobID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

// Redeem validates the ticket for the given job and burns it. A second
// redemption of the same ticket fails even inside the validity window.
func (t *TicketIssuer) Redeem(ctx context.Context, ticket, jobID string) error {
	parsed, err := jwt.ParseWithClaims(ticket, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return fmt.Errorf("parse ticket: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != jobID {
		return fmt.Errorf("%w: ticket not scoped to job", domain.ErrInvalidArgument)
	}

	// Burn the jti; hold it a bit past expiry so replay inside clock skew
	// still fails.
	fresh, err := t.client.SetNX(ctx, "ticket_used:"+claims.ID, 1, 2*t.ttl)
	if err != nil {
		return fmt.Errorf("ticket burn: %w", err)
	}
	if !fresh {
		return domain.ErrTicketUsed
	}
	return nil
}
