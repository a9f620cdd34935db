package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), partyA, "test-key", 0)
	return mgr, rawKey, key
}

func newTestContext(header, value string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	if header != "" {
		c.Request.Header.Set(header, value)
	}
	return c, w
}

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()
	c, _ := newTestContext("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)

	party, ok := GetAuthenticatedParty(c)
	if !ok {
		t.Fatal("Expected party to be set in context")
	}
	if party != partyA {
		t.Errorf("Expected %s, got %s", partyA.Hex(), party.Hex())
	}
	key, ok := GetAPIKey(c)
	if !ok || key.Name != "test-key" {
		t.Errorf("Expected API key 'test-key' in context, got %+v", key)
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()
	c, _ := newTestContext("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if _, ok := GetAuthenticatedParty(c); !ok {
		t.Error("Expected X-API-Key to authenticate")
	}
}

func TestMiddleware_InvalidKey_PassesThroughUnauthenticated(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()
	c, _ := newTestContext("Authorization", "sk_bogus")

	Middleware(mgr)(c)

	if _, ok := GetAuthenticatedParty(c); ok {
		t.Error("Expected no party for an invalid key")
	}
	if c.IsAborted() {
		t.Error("Middleware must not abort; RequireAuth decides")
	}
}

func TestRequireAuth(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	router := gin.New()
	router.Use(Middleware(mgr))
	router.GET("/protected", RequireAuth(mgr), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/protected", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w.Code)
	}
}

func TestRequireParty(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	router := gin.New()
	router.Use(Middleware(mgr))
	router.GET("/parties/:address/keys", RequireParty(mgr, "address"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name    string
		address string
		key     string
		want    int
	}{
		{"own address", partyA.Hex(), rawKey, http.StatusOK},
		{"own address lowercase", "0x1234567890123456789012345678901234567890", rawKey, http.StatusOK},
		{"other address", partyB.Hex(), rawKey, http.StatusForbidden},
		{"malformed address", "not-an-address", rawKey, http.StatusBadRequest},
		{"no key", partyA.Hex(), "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/parties/"+tt.address+"/keys", nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestHandler_KeyLifecycle(t *testing.T) {
	mgr, rawKey, current := setupMiddlewareTest()
	h := NewHandler(mgr)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(Middleware(mgr))
	protected := v1.Group("")
	protected.Use(RequireAuth(mgr))
	h.RegisterRoutes(v1, protected)

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+rawKey)
		router.ServeHTTP(w, req)
		return w
	}

	w := do("GET", "/v1/auth/me")
	var me struct {
		Party string `json:"party"`
	}
	json.Unmarshal(w.Body.Bytes(), &me)
	if common.HexToAddress(me.Party) != partyA {
		t.Errorf("Expected party %s, got %s", partyA.Hex(), me.Party)
	}

	w = do("POST", "/v1/auth/keys")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		KeyID string `json:"keyId"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)

	if w := do("DELETE", "/v1/auth/keys/"+current.ID); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 revoking the current key, got %d", w.Code)
	}
	if w := do("DELETE", "/v1/auth/keys/"+created.KeyID); w.Code != http.StatusOK {
		t.Errorf("Expected 200 revoking the new key, got %d", w.Code)
	}

	w = do("GET", "/v1/auth/keys")
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 2 {
		t.Errorf("Expected 2 keys (one revoked), got %d", list.Count)
	}
}
