package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindMalformedRequest, http.StatusBadRequest},
		{KindMissingAPIKey, http.StatusUnauthorized},
		{KindUnknownConfig, http.StatusNotFound},
		{KindSessionNotFound, http.StatusNotFound},
		{KindInvalidConfig, http.StatusUnprocessableEntity},
		{KindConflict, http.StatusConflict},
		{KindContainerStartFailed, http.StatusBadGateway},
		{KindConnectionLost, http.StatusBadGateway},
		{KindReadinessTimeout, http.StatusGatewayTimeout},
		{KindResourceExhausted, http.StatusInsufficientStorage},
		{KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(New(tt.kind, "x")); got != tt.want {
			t.Errorf("HTTPStatus(kind %d) = %d, want %d", tt.kind, got, tt.want)
		}
	}

	if got := HTTPStatus(fmt.Errorf("plain")); got != http.StatusInternalServerError {
		t.Errorf("unclassified error = %d, want 500", got)
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := New(KindSessionNotFound, "session %q not found", "s1")
	wrapped := fmt.Errorf("handling request: %w", inner)
	if KindOf(wrapped) != KindSessionNotFound {
		t.Errorf("KindOf(wrapped) = %v, want KindSessionNotFound", KindOf(wrapped))
	}

	cause := errors.New("broken pipe")
	classified := Wrap(KindConnectionLost, cause, "send frame")
	if KindOf(classified) != KindConnectionLost {
		t.Errorf("KindOf = %v", KindOf(classified))
	}
	if !errors.Is(classified, cause) {
		t.Error("Wrap should keep the cause in the chain")
	}
	if got := classified.Error(); got != "send frame: broken pipe" {
		t.Errorf("Error() = %q", got)
	}
}
