package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/masterbot-platform/gateway/internal/ierr"
)

// ServiceIdentity names a backend service calling the internal REST surface.
type ServiceIdentity struct {
	Service string
}

// ServiceAuthenticator validates the HS256 bearer tokens backend services
// mint for the internal endpoints.
type ServiceAuthenticator struct {
	secret    []byte
	jwtParser *jwt.Parser
}

func NewServiceAuthenticator(secret string) *ServiceAuthenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience("gateway"),
	)

	return &ServiceAuthenticator{
		secret:    []byte(secret),
		jwtParser: jwtParser,
	}
}

func (a *ServiceAuthenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}
	return a.secret, nil
}

func (a *ServiceAuthenticator) Authenticate(tokenString string) (*ServiceIdentity, error) {
	claims := jwt.RegisteredClaims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	if claims.Subject == "" {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid subject claim"))
	}

	return &ServiceIdentity{
		Service: claims.Subject,
	}, nil
}
