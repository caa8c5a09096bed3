package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("GenerateRequestID() = %q is not a UUID: %v", id, err)
		}
		if !isValidRequestID(id) {
			t.Fatalf("GenerateRequestID() = %q fails own validation", id)
		}
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID(empty) = %q, want empty", got)
	}
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		wantSame bool
	}{
		{name: "no upstream ID", incoming: "", wantSame: false},
		{name: "valid upstream ID", incoming: "abc-123_DEF", wantSame: true},
		{name: "CRLF injection", incoming: "abc\r\nSet-Cookie: x=y", wantSame: false},
		{name: "too long", incoming: strings.Repeat("a", 129), wantSame: false},
		{name: "spaces", incoming: "abc def", wantSame: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxID = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header[RequestIDHeader] = []string{tt.incoming}
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get(RequestIDHeader)
			if got == "" {
				t.Fatal("response missing request ID header")
			}
			if got != ctxID {
				t.Errorf("header ID %q != context ID %q", got, ctxID)
			}
			if (got == tt.incoming) != tt.wantSame {
				t.Errorf("request ID = %q, incoming %q, wantSame %v", got, tt.incoming, tt.wantSame)
			}
		})
	}
}
