package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidDownloadToken = errors.New("invalid download token")

// DownloadTokens signs short lived links to a job's result CSV.
type DownloadTokens struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewDownloadTokens(secret string, expiry time.Duration) *DownloadTokens {
	return &DownloadTokens{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// Enabled reports whether a signing secret is configured. Without one
// results are served without a token.
func (d *DownloadTokens) Enabled() bool {
	return d != nil && len(d.secret) > 0
}

// Issue returns a token that grants access to the result of jobID
func (d *DownloadTokens) Issue(jobID uuid.UUID) (string, error) {
	now := d.now()
	claims := jwt.RegisteredClaims{
		Subject:  jobID.String(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if d.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(d.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(d.secret)
	if err != nil {
		return "", fmt.Errorf("failed to generate download token: %w", err)
	}

	return tokenString, nil
}

// Verify checks the signature and expiry and that the token belongs to jobID
func (d *DownloadTokens) Verify(tokenString string, jobID uuid.UUID) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return d.secret, nil
	}, jwt.WithTimeFunc(d.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDownloadToken, err)
	}

	if !token.Valid {
		return ErrInvalidDownloadToken
	}

	if claims.Subject != jobID.String() {
		return fmt.Errorf("%w: issued for another job", ErrInvalidDownloadToken)
	}

	return nil
}
