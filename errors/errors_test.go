package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connect timeout", ErrConnectTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"command timeout", ErrCommandTimeout, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid oid", ErrInvalidOID, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network unreachable"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"store not initialized", ErrStoreNotInitialized, true},
		{"store already initialized", ErrStoreAlreadyInitialized, true},
		{"unknown pool", fmt.Errorf("pool %q: %w", "x", ErrUnknownPool), true},
		{"invalid config", ErrInvalidConfig, true},
		{"connect timeout", ErrConnectTimeout, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid oid", ErrInvalidOID, true},
		{"no such child", fmt.Errorf("resolve: %w", ErrNoSuchChild), true},
		{"no such connection", ErrNoSuchConnection, true},
		{"connect timeout", ErrConnectTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"fatal sentinel", ErrStoreNotInitialized, ErrorFatal},
		{"invalid sentinel", ErrNoSuchChild, ErrorInvalid},
		{"transient sentinel", ErrCommandTimeout, ErrorTransient},
		{"unknown error", errors.New("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "C", "M", "a") != nil {
		t.Fatal("wrapping nil must return nil")
	}

	err := Wrap(ErrNoSuchChild, "Tree", "Resolve", "lookup segment")
	if !strings.HasPrefix(err.Error(), "Tree.Resolve: lookup segment failed:") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, ErrNoSuchChild) {
		t.Error("wrapped error must match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"transient", WrapTransient(base, "Store", "Connect", "dial"), ErrorTransient},
		{"invalid", WrapInvalid(base, "Store", "Init", "validate"), ErrorInvalid},
		{"fatal", WrapFatal(base, "Store", "Init", "commit"), ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var ce *ClassifiedError
			if !errors.As(test.err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", test.err)
			}
			if ce.Class != test.class {
				t.Errorf("expected class %v, got %v", test.class, ce.Class)
			}
			if !errors.Is(test.err, base) {
				t.Error("classification must preserve the chain")
			}
		})
	}
}
