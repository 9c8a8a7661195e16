package dtable

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestClient(serverURL string) *Client {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewClient(Config{
		ServerURL:  serverURL,
		PrivateKey: "test-private-key",
		Timeout:    5 * time.Second,
	}, logger)
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(Config{ServerURL: "http://test.example.com"}, nil)

	if client.logger == nil {
		t.Error("expected logger to be initialized")
	}
	if client.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if client.httpClient.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", client.httpClient.Timeout)
	}
}

func TestClient_Authorization(t *testing.T) {
	// 服务器侧校验令牌：签名、载荷、权限
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Token ") {
			t.Errorf("expected Authorization header with Token prefix, got %q", auth)
		}
		uuid, username, permission, err := ParseAccessToken("test-private-key", strings.TrimPrefix(auth, "Token "))
		if err != nil {
			t.Errorf("token did not verify: %v", err)
		}
		if uuid != "uuid-1" {
			t.Errorf("expected dtable_uuid uuid-1, got %s", uuid)
		}
		if username != tokenUsername {
			t.Errorf("expected username %s, got %s", tokenUsername, username)
		}
		if permission != "rw" {
			t.Errorf("expected permission rw, got %s", permission)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", ct)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"metadata":{"tables":[]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Metadata(context.Background(), "uuid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error_msg":"dtable not found"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Metadata(context.Background(), "gone-uuid")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error_msg":"internal error"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Metadata(context.Background(), "uuid-1")
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("500 must not map to ErrNotFound")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status code in error, got %v", err)
	}
}

func TestClient_Metadata_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Metadata(context.Background(), "uuid-1")
	if err == nil {
		t.Fatal("expected error for empty metadata payload")
	}
}

func TestClient_FilterRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasPrefix(r.URL.Path, "/api/v1/internal/dtables/uuid-1/filter-rows/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		var req FilterRowsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.TableID != "0000" {
			t.Errorf("expected table_id 0000, got %s", req.TableID)
		}
		if req.Limit != 500 {
			t.Errorf("expected limit 500, got %d", req.Limit)
		}
		if len(req.Filters) != 1 {
			t.Errorf("expected 1 filter, got %d", len(req.Filters))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rows":[{"_id":"r1"},{"_id":"r2"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	rows, err := client.FilterRows(context.Background(), "uuid-1", &FilterRowsRequest{
		TableID:           "0000",
		FilterConjunction: "And",
		Filters: []map[string]interface{}{
			{"column_key": "c1", "filter_predicate": "is", "filter_term": "open"},
		},
		Limit: 500,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["_id"] != "r1" {
		t.Errorf("expected first row r1, got %v", rows[0]["_id"])
	}
}

func TestClient_UpdateRow(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.UpdateRow(context.Background(), "uuid-1", "Orders", "r1", map[string]interface{}{"Status": "closed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got["table_name"] != "Orders" {
		t.Errorf("expected table_name Orders, got %v", got["table_name"])
	}
	if got["row_id"] != "r1" {
		t.Errorf("expected row_id r1, got %v", got["row_id"])
	}
	row, ok := got["row"].(map[string]interface{})
	if !ok || row["Status"] != "closed" {
		t.Errorf("unexpected row payload: %v", got["row"])
	}
}

func TestClient_SendNotification(t *testing.T) {
	var got struct {
		Notifications []InternalNotification `json:"notifications"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.SendNotification(context.Background(), "uuid-1", []InternalNotification{
		{ToUser: "alice@example.com", Type: "notification_rules", Detail: map[string]interface{}{"msg": "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got.Notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got.Notifications))
	}
	if got.Notifications[0].ToUser != "alice@example.com" {
		t.Errorf("expected to_user alice@example.com, got %s", got.Notifications[0].ToUser)
	}
	if got.Notifications[0].Type != "notification_rules" {
		t.Errorf("expected msg_type notification_rules, got %s", got.Notifications[0].Type)
	}
}

func TestClient_RelatedUsers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/related-users/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"user_list":[{"email":"admin@example.com","name":"Admin","is_admin":true},{"email":"bob@example.com","name":"Bob"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	users, err := client.RelatedUsers(context.Background(), "uuid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if !users[0].IsAdmin || users[1].IsAdmin {
		t.Error("is_admin flags mismatched")
	}
}
