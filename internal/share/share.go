package share

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trail/internal/domain"
	"trail/internal/repo"
)

const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrInvalidLink  = errors.New("invalid share link")
	ErrNotShareable = errors.New("packet is not shareable")
)

// PacketLookup resolves a packet share token. It must not mutate packets.
type PacketLookup interface {
	GetByShareToken(ctx context.Context, token string) (domain.ProofPacket, error)
}

// Links signs and resolves expiring share links. The link carries the
// packet's share token as its subject, so revoking a token revokes every
// link minted for it.
type Links struct {
	Secret  []byte
	TTL     time.Duration
	Packets PacketLookup
	Now     func() time.Time
}

type Link struct {
	Token     string    `json:"token"`
	PacketID  string    `json:"packet_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type claims struct {
	jwt.RegisteredClaims
	PacketID string `json:"pid"`
}

func (l Links) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Sign mints a link for a sealed packet.
func (l Links) Sign(p domain.ProofPacket) (Link, error) {
	if len(l.Secret) == 0 {
		return Link{}, errors.New("share secret not configured")
	}
	if p.ShareToken == "" || p.Status.Rank() < domain.PacketFinalized.Rank() {
		return Link{}, fmt.Errorf("%w: %s is %s", ErrNotShareable, p.ID, p.Status)
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ShareToken,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		PacketID: p.ID,
	})
	signed, err := token.SignedString(l.Secret)
	if err != nil {
		return Link{}, err
	}
	return Link{Token: signed, PacketID: p.ID, ExpiresAt: exp}, nil
}

// Resolve validates a link and returns its packet.
func (l Links) Resolve(ctx context.Context, token string) (domain.ProofPacket, error) {
	if len(l.Secret) == 0 {
		return domain.ProofPacket{}, errors.New("share secret not configured")
	}
	if strings.TrimSpace(token) == "" {
		return domain.ProofPacket{}, ErrInvalidLink
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return l.Secret, nil
	})
	if err != nil {
		return domain.ProofPacket{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return domain.ProofPacket{}, ErrInvalidLink
	}
	p, err := l.Packets.GetByShareToken(ctx, c.Subject)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ProofPacket{}, ErrInvalidLink
	}
	if err != nil {
		return domain.ProofPacket{}, err
	}
	if c.PacketID != "" && c.PacketID != p.ID {
		return domain.ProofPacket{}, ErrInvalidLink
	}
	return p, nil
}
