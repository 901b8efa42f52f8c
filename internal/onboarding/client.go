// Package onboarding talks to the REST tier that creates accounts and signs
// users in. Each call is a single request; nothing is retried or cached.
package onboarding

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/chatwave/internal/protocol"
	"github.com/matheus3301/chatwave/internal/store"
	"go.uber.org/zap"
)

const (
	pathRegister = "/ChatWave/UserController"
	pathProfile  = "/ChatWave/ProfileController"
	pathSignIn   = "/ChatWave/UserSignIn"

	imageName = "profile.png"
	codeLen   = 6
)

// ErrRefused is returned when the server answered but reported status false.
var ErrRefused = errors.New("request refused")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("onboarding: HTTP %d", e.Code)
	}
	return fmt.Sprintf("onboarding: HTTP %d: %s", e.Code, body)
}

// Registration is the input to CreateAccount. Image is read once.
type Registration struct {
	FirstName   string
	LastName    string
	CountryCode string
	ContactNo   string
	Image       io.Reader
}

// Account is the server's answer to a registration.
type Account struct {
	Status  bool   `json:"status"`
	UserID  int64  `json:"userId"`
	Message string `json:"message"`
}

// Verification is the server's answer to a sign-in request. Code is the
// one-time code the server also texted to the number.
type Verification struct {
	Status  bool   `json:"status"`
	Code    string `json:"vCode"`
	UserID  int64  `json:"userId"`
	Message string `json:"message"`
}

// Matches reports whether entered is the six-digit code the server issued.
func (v Verification) Matches(entered string) bool {
	entered = strings.TrimSpace(entered)
	if len(entered) != codeLen || v.Code == "" {
		return false
	}
	for _, r := range entered {
		if r < '0' || r > '9' {
			return false
		}
	}
	return subtle.ConstantTimeCompare([]byte(entered), []byte(v.Code)) == 1
}

// Client wraps a resty client bound to the REST base URL.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New creates a client for baseURL.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c, logger: logger}
}

// CreateAccount registers a new user with a profile image.
func (c *Client) CreateAccount(ctx context.Context, reg Registration) (Account, error) {
	if reg.Image == nil {
		return Account{}, errors.New("create account: profile image is required")
	}
	var out Account
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"firstName":   reg.FirstName,
			"lastName":    reg.LastName,
			"countryCode": reg.CountryCode,
			"contactNo":   reg.ContactNo,
		}).
		SetMultipartField("profileImage", imageName, "image/png", reg.Image).
		SetResult(&out).
		Post(pathRegister)
	if err := c.check("create account", resp, err); err != nil {
		return Account{}, err
	}
	if !out.Status {
		return out, fmt.Errorf("create account: %w: %s", ErrRefused, out.Message)
	}
	c.logger.Info("account created", zap.Int64("user_id", out.UserID))
	return out, nil
}

// UploadProfileImage replaces userID's profile image and returns the
// updated profile.
func (c *Client) UploadProfileImage(ctx context.Context, userID int64, image io.Reader) (store.User, error) {
	var out protocol.UserPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{"userId": strconv.FormatInt(userID, 10)}).
		SetMultipartField("profileImage", imageName, "image/png", image).
		SetResult(&out).
		Post(pathProfile)
	if err := c.check("upload profile image", resp, err); err != nil {
		return store.User{}, err
	}
	if out.ID == 0 {
		out.ID = userID
	}
	return store.User{
		ID:           out.ID,
		FirstName:    out.FirstName,
		LastName:     out.LastName,
		CountryCode:  out.CountryCode,
		ContactNo:    out.ContactNo,
		ProfileImage: out.ProfileImage,
		Status:       store.Presence(out.Status),
		UpdatedAt:    out.UpdatedAt,
	}, nil
}

// RequestVerification asks the server to text a one-time code to the number.
func (c *Client) RequestVerification(ctx context.Context, countryCode, contactNo string) (Verification, error) {
	var out Verification
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"countryCode": countryCode,
			"contactNo":   contactNo,
		}).
		SetResult(&out).
		Post(pathSignIn)
	if err := c.check("request verification", resp, err); err != nil {
		return Verification{}, err
	}
	if !out.Status {
		return out, fmt.Errorf("request verification: %w: %s", ErrRefused, out.Message)
	}
	c.logger.Info("verification code sent", zap.String("number", countryCode+contactNo))
	return out, nil
}

func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		c.logger.Warn("onboarding request failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		c.logger.Warn("onboarding request rejected", zap.String("op", op), zap.Int("status", resp.StatusCode()))
		return fmt.Errorf("%s: %w", op, &StatusError{Code: resp.StatusCode(), Body: resp.String()})
	}
	return nil
}
