package dispatch

import (
	"net/http"
	"testing"
	"time"
)

func TestIsRateLimitedStatus429(t *testing.T) {
	resp := NewResponse(429, http.Header{}, nil)
	limited, hint := isRateLimited(resp)
	if !limited {
		t.Error("expected 429 to be classified as rate-limited")
	}
	if hint != nil {
		t.Errorf("expected no hint without a Retry-After header, got %v", *hint)
	}
}

func TestIsRateLimitedRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	resp := NewResponse(200, h, nil)
	limited, hint := isRateLimited(resp)
	if !limited {
		t.Error("expected presence of Retry-After to classify as rate-limited even on a 200")
	}
	if hint == nil || *hint != 12*time.Second {
		t.Errorf("expected hint=12s, got %v", hint)
	}
}

func TestIsRateLimitedResetAfterAlias(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Reset-After", "3.5")
	resp := NewResponse(200, h, nil)
	limited, hint := isRateLimited(resp)
	if !limited {
		t.Error("expected X-RateLimit-Reset-After to classify as rate-limited")
	}
	if hint == nil || *hint != 3500*time.Millisecond {
		t.Errorf("expected hint=3.5s, got %v", hint)
	}
}

func TestIsRateLimitedRemainingZero(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	resp := NewResponse(200, h, nil)
	limited, _ := isRateLimited(resp)
	if !limited {
		t.Error("expected X-RateLimit-Remaining=0 to classify as rate-limited")
	}
}

func TestIsRateLimitedRemainingNonzeroIsNotLimited(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "42")
	resp := NewResponse(200, h, nil)
	limited, _ := isRateLimited(resp)
	if limited {
		t.Error("expected X-RateLimit-Remaining=42 to NOT classify as rate-limited")
	}
}

func TestIsRateLimitedSecondaryRateLimitHeaderPresence(t *testing.T) {
	h := http.Header{}
	h.Set("X-Secondary-Rate-Limit", "true")
	resp := NewResponse(200, h, nil)
	limited, _ := isRateLimited(resp)
	if !limited {
		t.Error("expected presence of X-Secondary-Rate-Limit to classify as rate-limited")
	}
}

func TestIsRateLimitedUnparseableRetryAfterIsIgnored(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "not-a-number")
	resp := NewResponse(200, h, nil)
	limited, hint := isRateLimited(resp)
	if limited {
		t.Error("expected unparseable Retry-After to not by itself trigger rate-limit classification")
	}
	if hint != nil {
		t.Errorf("expected no hint from unparseable Retry-After, got %v", *hint)
	}
}

func TestIsRateLimitedOrdinarySuccessIsNotLimited(t *testing.T) {
	resp := NewResponse(200, http.Header{}, nil)
	limited, hint := isRateLimited(resp)
	if limited {
		t.Error("expected plain 200 to not be rate-limited")
	}
	if hint != nil {
		t.Errorf("expected no hint, got %v", *hint)
	}
}

func TestHeaderValueCaseInsensitive(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "7")
	resp := NewResponse(200, h, nil)
	v, ok := resp.HeaderValue("RETRY-AFTER")
	if !ok || v != "7" {
		t.Errorf("expected case-insensitive lookup to find %q, got %q ok=%v", "7", v, ok)
	}
}
