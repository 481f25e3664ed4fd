package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/masterbot-platform/gateway/internal/ierr"
)

var (
	ErrMissingHash     = errors.New("missing hash")
	ErrInvalidHash     = errors.New("invalid hash")
	ErrMissingAuthDate = errors.New("missing auth_date")
	ErrExpired         = errors.New("init data expired")
	ErrMissingUser     = errors.New("missing user data")
	ErrMalformedUser   = errors.New("malformed user data")
)

// Identity is the verified user information carried by a valid init payload.
// It is built once at admission time and never mutated afterwards.
type Identity struct {
	UserID          int64  `json:"id"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name,omitempty"`
	Username        string `json:"username,omitempty"`
	LanguageCode    string `json:"language_code,omitempty"`
	IsPremium       bool   `json:"is_premium,omitempty"`
	AllowsWriteToPm bool   `json:"allows_write_to_pm,omitempty"`

	AuthDate time.Time `json:"-"`
}

// TelegramAuthenticator validates Mini App init payloads as specified in
// https://core.telegram.org/bots/webapps#validating-data-received-via-the-mini-app
type TelegramAuthenticator struct {
	botToken string
	maxAge   time.Duration

	now func() time.Time
}

func NewTelegramAuthenticator(botToken string, maxAge time.Duration) *TelegramAuthenticator {
	return &TelegramAuthenticator{
		botToken: botToken,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Validate checks the init payload's signature and freshness and extracts the
// user identity. A maxAge of zero disables the freshness check. Every failure
// unwraps to one of the Err sentinels above.
func (a *TelegramAuthenticator) Validate(initData string) (*Identity, error) {
	if initData == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, ErrMissingHash)
	}

	// Pairs with broken escapes are dropped rather than failing the whole
	// payload; they change the check string and fail the hash anyway.
	values, _ := url.ParseQuery(initData)

	receivedHash := values.Get("hash")
	if receivedHash == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, ErrMissingHash)
	}
	values.Del("hash")

	if !hmac.Equal([]byte(calculateHash(values, a.botToken)), []byte(receivedHash)) {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, ErrInvalidHash)
	}

	authDateRaw := values.Get("auth_date")
	if authDateRaw == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, ErrMissingAuthDate)
	}

	authDateUnix, err := strconv.ParseInt(authDateRaw, 10, 64)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, ErrMissingAuthDate)
	}
	authDate := time.Unix(authDateUnix, 0).UTC()

	if a.maxAge > 0 {
		age := a.now().Sub(authDate)
		if age > a.maxAge {
			return nil, ierr.New(ierr.ErrorCodeUnauthenticated,
				fmt.Errorf("%w: %.0fs old, max %.0fs", ErrExpired, age.Seconds(), a.maxAge.Seconds()))
		}
	}

	userRaw := values.Get("user")
	if userRaw == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, ErrMissingUser)
	}

	// The user value may arrive percent-encoded a second time.
	if decoded, err := url.PathUnescape(userRaw); err == nil {
		userRaw = decoded
	}

	var identity Identity
	if err := json.Unmarshal([]byte(userRaw), &identity); err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, fmt.Errorf("%w: %v", ErrMalformedUser, err))
	}
	if identity.UserID == 0 {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, fmt.Errorf("%w: missing user id", ErrMalformedUser))
	}

	identity.AuthDate = authDate

	return &identity, nil
}

// ValidateOptional returns the identity when the payload validates and nil
// otherwise, for surfaces that tolerate anonymous callers.
func (a *TelegramAuthenticator) ValidateOptional(initData string) *Identity {
	identity, err := a.Validate(initData)
	if err != nil {
		return nil
	}

	return identity
}

// calculateHash builds the data-check-string (fields sorted by key, rendered
// key=value, joined with newlines, the hash field excluded) and signs it with
// the key derived as HMAC-SHA256(key="WebAppData", message=botToken).
func calculateHash(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	checkString := strings.Join(pairs, "\n")

	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(botToken))

	signer := hmac.New(sha256.New, secretKey.Sum(nil))
	signer.Write([]byte(checkString))

	return hex.EncodeToString(signer.Sum(nil))
}
