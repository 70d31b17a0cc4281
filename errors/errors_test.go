package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"testing"
)

// ============================================================================
// Code and category tests
// ============================================================================

func TestErrorCode_DefaultCategory(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeTimeout, CategoryTransient},
		{ErrCodeUnavailable, CategoryTransient},
		{ErrCodeNetworkErr, CategoryTransient},
		{ErrCodeDenied, CategoryPermanent},
		{ErrCodeInvalidInput, CategoryPermanent},
		{ErrCodePrecondition, CategoryPermanent},
		{ErrCodeRespawnPending, CategoryPermanent},
		{ErrCodeInsufficientThreshold, CategoryResource},
		{ErrCodeLoopClosed, CategoryInternal},
		{ErrCodePanic, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.DefaultCategory(); got != tt.expected {
				t.Errorf("DefaultCategory() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// ============================================================================
// Construction tests
// ============================================================================

func TestNew_Options(t *testing.T) {
	err := New(ErrCodeDenied, "holder refused",
		WithPeer("p01"),
		WithAgent("alice-3"),
		WithMetadata("index", "2"),
	)

	if err.Code() != ErrCodeDenied {
		t.Errorf("Code() = %v", err.Code())
	}
	if err.peer != "p01" || err.agent != "alice-3" {
		t.Errorf("peer/agent = %q/%q", err.peer, err.agent)
	}
	if err.Metadata()["index"] != "2" {
		t.Errorf("Metadata()[index] = %q", err.Metadata()["index"])
	}
	if err.Retryable() {
		t.Error("denial should not be retryable")
	}
}

func TestMetadata_ReturnsCopy(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	m := err.Metadata()
	m["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() must return a copy")
	}
}

func TestInsufficientThreshold(t *testing.T) {
	err := InsufficientThreshold("alice-0", 1, 3)
	if !Is(err, ErrCodeInsufficientThreshold) {
		t.Fatalf("unexpected code %v", err.Code())
	}
	if err.Metadata()["collected"] != "1" || err.Metadata()["threshold"] != "3" {
		t.Errorf("metadata = %v", err.Metadata())
	}
	if err.Error() != "collected 1 of 3 fragments for alice-0" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestLoopClosed(t *testing.T) {
	err := LoopClosed("query_state")
	if !Is(err, ErrCodeLoopClosed) || err.Category() != CategoryInternal {
		t.Errorf("unexpected classification: %v %v", err.Code(), err.Category())
	}
}

// ============================================================================
// Wrapping tests
// ============================================================================

func TestWrap(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", context.Canceled, ErrCodeCanceled},
		{"plain", fmt.Errorf("boom"), ErrCodeInternal},
		{"structured", Denied("no"), ErrCodeDenied},
		{"wrapped deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), ErrCodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Wrap(tt.err, "context")
			if w.Code() != tt.wantCode {
				t.Errorf("Code() = %v, want %v", w.Code(), tt.wantCode)
			}
			if !stderrors.Is(w, tt.err) {
				t.Error("wrapped error should match original via errors.Is")
			}
		})
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if WrapWithCode(nil, ErrCodeDenied, "x") != nil {
		t.Error("WrapWithCode(nil) should return nil")
	}
}

func TestWrap_PreservesPeer(t *testing.T) {
	inner := Unavailable("holder silent", WithPeer("p7"))
	outer := Wrap(inner, "request fragment")
	if outer.peer != "p7" {
		t.Errorf("peer = %q, want p7", outer.peer)
	}
	if outer.Error() != "request fragment: holder silent" {
		t.Errorf("Error() = %q", outer.Error())
	}
}

func TestHelpers_PlainError(t *testing.T) {
	plain := fmt.Errorf("plain")
	if Is(plain, ErrCodeInternal) || IsRetryable(plain) || Code(plain) != "" {
		t.Error("plain errors carry no classification")
	}
	if AsReverieError(plain) != nil {
		t.Error("AsReverieError should return nil for plain errors")
	}
	if !IsRetryable(Timeout("t")) || IsRetryable(Denied("d")) {
		t.Error("retry classification wrong")
	}
	if !IsRetryable(Wrap(InsufficientThreshold("alice-1", 1, 2), "respawn")) {
		t.Error("wrapping lost the retry classification")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil recover value should give nil")
	}
	err := RecoverPanic("kaboom")
	if err.Code() != ErrCodePanic || err.Error() != "kaboom" {
		t.Errorf("got %v %q", err.Code(), err.Error())
	}
	if err.Metadata()["panic_value"] != "string" {
		t.Errorf("panic_value = %q", err.Metadata()["panic_value"])
	}
}

// ============================================================================
// Serialization tests
// ============================================================================

func TestMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want map[string]any
	}{
		{
			"unavailable holder",
			Unavailable("holder silent", WithPeer("p3"), WithCause(fmt.Errorf("io"))),
			map[string]any{
				"code":      "UNAVAILABLE",
				"category":  "transient",
				"message":   "holder silent",
				"cause":     "io",
				"retryable": true,
				"peer":      "p3",
			},
		},
		{
			"short of threshold",
			InsufficientThreshold("alice-2", 1, 2),
			map[string]any{
				"code":      "INSUFFICIENT_THRESHOLD",
				"category":  "resource",
				"message":   "collected 1 of 2 fragments for alice-2",
				"retryable": true,
				"agent":     "alice-2",
				"metadata":  map[string]any{"collected": "1", "threshold": "2"},
			},
		},
		{
			"denial",
			Denied("not yours"),
			map[string]any{
				"code":      "DENIED",
				"category":  "permanent",
				"message":   "not yours",
				"retryable": false,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.err)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("json = %s\nwant %v", data, tt.want)
			}
		})
	}
}

func TestMarshalJSON_ThroughInterface(t *testing.T) {
	v := struct {
		Err ReverieError `json:"error"`
	}{Err: Timeout("slow")}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"error":{"code":"TIMEOUT","category":"transient","message":"slow","retryable":true}}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}
