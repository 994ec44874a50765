package hipaa

import "encoding/json"

// Field holds a protected value that is either revealed or masked. Callers
// must go through Value to reach the content, so the masked case cannot be
// mistaken for an empty value. The zero Field is masked.
type Field[T any] struct {
	value    T
	revealed bool
	reason   string
}

// Revealed wraps a value the caller may see.
func Revealed[T any](v T) Field[T] {
	return Field[T]{value: v, revealed: true}
}

// Masked records why a value is withheld.
func Masked[T any](reason string) Field[T] {
	return Field[T]{reason: reason}
}

// Value returns the content and true, or the zero value and false when masked.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.revealed
}

func (f Field[T]) IsMasked() bool { return !f.revealed }

// Reason is empty for revealed fields.
func (f Field[T]) Reason() string { return f.reason }

// MarshalJSON encodes a revealed field as its value and a masked one as null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.revealed {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}
