package pagination

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestFromRequestDefaults(t *testing.T) {
	params, err := FromRequest(httptest.NewRequest("GET", "/orders", nil), Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageSize != DefaultPageSize || params.PageToken != "" {
		t.Fatalf("unexpected params %+v", params)
	}

	params, err = FromRequest(httptest.NewRequest("GET", "/orders", nil), Options{DefaultPageSize: 500, MaxPageSize: 20})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageSize != 20 {
		t.Fatalf("expected default clamped to max, got %d", params.PageSize)
	}
}

func TestFromRequestPageSize(t *testing.T) {
	params, err := FromRequest(httptest.NewRequest("GET", "/orders?page_size=250", nil), Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageSize != DefaultMaxPageSize {
		t.Fatalf("expected clamp to %d, got %d", DefaultMaxPageSize, params.PageSize)
	}

	for _, raw := range []string{"abc", "0", "-3"} {
		if _, err := FromRequest(httptest.NewRequest("GET", "/orders?page_size="+raw, nil), Options{}); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("page_size=%s: expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestFromRequestPageToken(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2025-05-01T09:30:00Z", "ord_1"}})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	params, err := FromRequest(httptest.NewRequest("GET", "/orders?page_token="+token, nil), Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("expected token to pass through, got %q", params.PageToken)
	}

	if _, err := FromRequest(httptest.NewRequest("GET", "/orders?page_token=***", nil), Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil || token != "" {
		t.Fatalf("expected empty token, got %q (%v)", token, err)
	}
	cursor, err := DecodeToken(token)
	if err != nil || len(cursor.StartAfter) != 0 {
		t.Fatalf("expected empty cursor, got %+v (%v)", cursor, err)
	}
}
