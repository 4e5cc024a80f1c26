package cache

import (
	"encoding/json"
	"fmt"

	"dario.cat/mergo"
)

// MergeFields returns a MergeFunc that overlays the non-zero fields of the
// new value onto the old one, so a partial payload (e.g. a user seen in a
// member list) never erases fields a full fetch already filled in.
//
// T must be a struct or map type. The result is built in a new value, so a
// map held by a previous caller is not modified. If the values cannot be
// merged the new value wins.
func MergeFields[T any]() MergeFunc[T] {
	return func(old, incoming T) T {
		var out T
		if err := mergo.Merge(&out, old); err != nil {
			return incoming
		}
		if err := mergo.Merge(&out, incoming, mergo.WithOverride); err != nil {
			return incoming
		}
		return out
	}
}

// Erase adapts a typed MergeFunc to the untyped form used by Manager.
// Values of another type are replaced.
func Erase[T any](merge MergeFunc[T]) MergeFunc[any] {
	if merge == nil {
		return nil
	}
	return func(old, incoming any) any {
		o, ok1 := old.(T)
		n, ok2 := incoming.(T)
		if !ok1 || !ok2 {
			return incoming
		}
		return merge(o, n)
	}
}

// DecodeJSON returns a snapshot decoder for values of type T.
func DecodeJSON[T any]() func([]byte) (any, error) {
	return func(raw []byte) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		return v, nil
	}
}
