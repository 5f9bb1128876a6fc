package services

import (
	"errors"
	"time"

	"speedshare/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenService issues the evict tokens handed to the peer that created a
// code. Only the holder may delete the code before it expires.
type TokenService interface {
	GenerateEvictToken(code domain.RendezvousCode) (string, error)
	ValidateEvictToken(tokenString string, code domain.RendezvousCode) (*EvictClaims, error)
}

type EvictClaims struct {
	Code domain.RendezvousCode `json:"code"`
	jwt.RegisteredClaims
}

type tokenService struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewTokenService(jwtSecret string, ttl time.Duration) TokenService {
	return &tokenService{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *tokenService) GenerateEvictToken(code domain.RendezvousCode) (string, error) {
	now := s.now()
	claims := &EvictClaims{
		Code: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(code),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateEvictToken checks the signature and expiry of tokenString and
// that it was issued for code.
func (s *tokenService) ValidateEvictToken(tokenString string, code domain.RendezvousCode) (*EvictClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &EvictClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*EvictClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Code != code {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
