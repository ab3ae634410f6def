package fiber

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
	"github.com/mihaimyh/quotagate/storage/memory"
)

func setupGate(t *testing.T, limit int) *quotagate.Gate {
	t.Helper()
	gate, err := quotagate.NewGate(memory.New(), quotagate.GateConfig{FreeLimit: limit})
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return gate
}

func setupApp(gate *quotagate.Gate) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
	}))
	app.Get("/api/test", func(c *fiber.Ctx) error {
		return c.SendString("success")
	})
	return app
}

func TestMiddleware_Success(t *testing.T) {
	app := setupApp(setupGate(t, 5))

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app := setupApp(setupGate(t, 5))

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
}

func TestMiddleware_Denied(t *testing.T) {
	app := setupApp(setupGate(t, 2))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
		req.Header.Set("X-User-ID", "user1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200 on request %d, got %d", i+1, resp.StatusCode)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Gate")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID")})
}
