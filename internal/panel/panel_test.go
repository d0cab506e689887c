package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestModernClient_UpsertReturnsSubscriptionURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/users" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload["hwidDeviceLimit"].(float64) != 3 {
			t.Errorf("hwidDeviceLimit = %v, want 3", payload["hwidDeviceLimit"])
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"uuid":            payload["uuid"],
				"subscriptionUrl": "https://sub.example/abc",
			},
		})
	}))
	defer srv.Close()

	client := NewModernClient(ModernConfig{BaseURL: srv.URL, Token: "token-1"})
	link, err := client.UpsertClient(context.Background(), ClientConfig{
		ClientID:     uuid.New(),
		Email:        "k1a2b3c4",
		ExpiryMs:     1700000000000,
		DeviceLimit:  3,
		TrafficBytes: 100 << 30,
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("UpsertClient: %v", err)
	}
	if link != "https://sub.example/abc" {
		t.Fatalf("link = %q", link)
	}
}

func TestModernClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/transient":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := &modernClient{cfg: ModernConfig{BaseURL: srv.URL, Token: "t"}, httpClient: srv.Client()}

	err := client.do(context.Background(), "get", http.MethodGet, "/api/users/transient", nil, nil)
	if !IsTransient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}

	err = client.do(context.Background(), "get", http.MethodGet, "/api/users/missing", nil, nil)
	if err == nil || IsTransient(err) {
		t.Fatalf("404 should be a permanent error, got %v", err)
	}
}

func TestLegacyClient_LoginAndUpsert(t *testing.T) {
	t.Parallel()

	var logins int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			logins++
			if r.FormValue("username") != "admin" || r.FormValue("password") != "pw" {
				_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1"})
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		case "/panel/api/inbounds/addClient":
			if cookie, err := r.Cookie("session"); err != nil || cookie.Value != "s1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewLegacyClient(LegacyConfig{
		BaseURL:   srv.URL,
		Username:  "admin",
		Password:  "pw",
		InboundID: 1,
		SubBase:   "https://vpn.example/sub",
	})

	link, err := client.UpsertClient(context.Background(), ClientConfig{
		ClientID:    uuid.New(),
		Email:       "k9z8y7x6",
		DeviceLimit: 2,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("UpsertClient: %v", err)
	}
	if link != "https://vpn.example/sub/k9z8y7x6" {
		t.Fatalf("link = %q", link)
	}
	if logins != 1 {
		t.Fatalf("logins = %d, want 1", logins)
	}
}

func TestLegacyClient_ReloginOnExpiredSession(t *testing.T) {
	t.Parallel()

	var logins, updates int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/login":
			logins++
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		case r.URL.Path == "/panel/api/inbounds/updateClient/"+fixedID.String():
			updates++
			if updates == 1 {
				// Session expired between login and call.
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewLegacyClient(LegacyConfig{BaseURL: srv.URL, Username: "a", Password: "b", InboundID: 1})
	err := client.Renew(context.Background(), ClientConfig{ClientID: fixedID, Email: "e1", Enabled: true})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if logins != 2 || updates != 2 {
		t.Fatalf("logins = %d, updates = %d; want 2 and 2", logins, updates)
	}
}

var fixedID = uuid.MustParse("7f9c24e8-3b12-40d5-9bc2-61d7dc6a3f10")
