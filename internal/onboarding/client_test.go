package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, r *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL, 0, zap.NewNop())
}

func TestCreateAccount(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc(pathRegister, func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.FormValue("firstName") != "Ann" || req.FormValue("contactNo") != "771234567" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		f, hdr, err := req.FormFile("profileImage")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = f.Close() }()
		data, _ := io.ReadAll(f)
		if hdr.Filename != imageName || string(data) != "png-bytes" {
			http.Error(w, "bad image", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"status": true, "userId": 17, "message": "ok"})
	}).Methods(http.MethodPost)

	c := newTestClient(t, r)
	acct, err := c.CreateAccount(context.Background(), Registration{
		FirstName:   "Ann",
		LastName:    "Lee",
		CountryCode: "94",
		ContactNo:   "771234567",
		Image:       strings.NewReader("png-bytes"),
	})
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if acct.UserID != 17 {
		t.Errorf("UserID = %d, want 17", acct.UserID)
	}
}

func TestCreateAccountRefused(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc(pathRegister, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": false, "message": "number already registered"})
	}).Methods(http.MethodPost)

	c := newTestClient(t, r)
	acct, err := c.CreateAccount(context.Background(), Registration{Image: strings.NewReader("x")})
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("error = %v, want ErrRefused", err)
	}
	if acct.Message != "number already registered" {
		t.Errorf("Message = %q", acct.Message)
	}
}

func TestCreateAccountRequiresImage(t *testing.T) {
	c := New("http://127.0.0.1:1", 0, zap.NewNop())
	if _, err := c.CreateAccount(context.Background(), Registration{FirstName: "Ann"}); err == nil {
		t.Error("CreateAccount() expected error without image")
	}
}

func TestUploadProfileImage(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc(pathProfile, func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.FormValue("userId") != "17" {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"firstName":    "Ann",
			"lastName":     "Lee",
			"profileImage": "/images/17.png",
			"status":       "ONLINE",
		})
	}).Methods(http.MethodPost)

	c := newTestClient(t, r)
	u, err := c.UploadProfileImage(context.Background(), 17, strings.NewReader("img"))
	if err != nil {
		t.Fatalf("UploadProfileImage() error = %v", err)
	}
	if u.ID != 17 || u.ProfileImage != "/images/17.png" || u.DisplayName() != "Ann Lee" {
		t.Errorf("user = %+v", u)
	}
}

func TestRequestVerification(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc(pathSignIn, func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			CountryCode string `json:"countryCode"`
			ContactNo   string `json:"contactNo"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.ContactNo == "" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"status": true, "vCode": "042137", "userId": 17})
	}).Methods(http.MethodPost)

	c := newTestClient(t, r)
	v, err := c.RequestVerification(context.Background(), "94", "771234567")
	if err != nil {
		t.Fatalf("RequestVerification() error = %v", err)
	}
	if v.UserID != 17 {
		t.Errorf("UserID = %d", v.UserID)
	}
	if !v.Matches(" 042137 ") {
		t.Error("Matches() = false for the issued code")
	}
}

func TestRequestVerificationHTTPError(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc(pathSignIn, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "sms gateway down", http.StatusBadGateway)
	}).Methods(http.MethodPost)

	c := newTestClient(t, r)
	_, err := c.RequestVerification(context.Background(), "94", "771234567")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if se.Code != http.StatusBadGateway || !strings.Contains(se.Error(), "sms gateway down") {
		t.Errorf("StatusError = %v", se)
	}
}

func TestVerificationMatches(t *testing.T) {
	v := Verification{Code: "123456"}
	tests := []struct {
		in   string
		want bool
	}{
		{"123456", true},
		{"123457", false},
		{"12345", false},
		{"1234567", false},
		{"12345a", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := v.Matches(tt.in); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if (Verification{}).Matches("123456") {
		t.Error("empty issued code must never match")
	}
}
