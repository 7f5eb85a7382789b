package api

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	errNotList   = errors.New("expected a JSON list")
	errNotObject = errors.New("expected a JSON object")
	errEmptyBody = errors.New("empty response body")
)

// Chatwoot wraps resources differently per endpoint and version:
//
//	[...]
//	{"payload": [...]}
//	{"data": [...]}
//	{"data": {"meta": {...}, "payload": [...]}}
//	{"payload": {...}}
//	{"payload": {"contact": {...}}}
//
// The helpers below unwrap all of them so services only see records.

// decodeList unwraps a list envelope into []T.
func decodeList[T any](url string, body []byte) ([]T, error) {
	raw, err := unwrapList(bytes.TrimSpace(body), 0)
	if err != nil {
		return nil, malformed(url, body, err)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, malformed(url, body, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func unwrapList(body []byte, depth int) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	switch body[0] {
	case '[':
		return body, nil
	case '{':
		if depth > 2 {
			return nil, errNotList
		}
		var env map[string]json.RawMessage
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		for _, key := range []string{"payload", "data"} {
			if inner, ok := env[key]; ok {
				return unwrapList(bytes.TrimSpace(inner), depth+1)
			}
		}
		return nil, errNotList
	default:
		return nil, errNotList
	}
}

// decodeObject unwraps a single-record envelope into T. key names the nested
// object some endpoints use inside payload (e.g. "contact").
func decodeObject[T any](url string, body []byte, key string) (T, error) {
	var out T
	raw, err := unwrapObject(bytes.TrimSpace(body), key, 0)
	if err != nil {
		return out, malformed(url, body, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, malformed(url, body, err)
	}
	return out, nil
}

func unwrapObject(body []byte, key string, depth int) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	if body[0] != '{' {
		return nil, errNotObject
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if _, hasID := env["id"]; hasID {
		return body, nil
	}
	if depth > 2 {
		return nil, errNotObject
	}
	keys := []string{"payload", "data"}
	if key != "" {
		keys = append([]string{key}, keys...)
	}
	for _, k := range keys {
		if inner, ok := env[k]; ok {
			return unwrapObject(bytes.TrimSpace(inner), key, depth+1)
		}
	}
	return nil, errNotObject
}

// DecodeList is decodeList for gateways that share this client's transport.
func DecodeList[T any](url string, body []byte) ([]T, error) {
	return decodeList[T](url, body)
}

// DecodeObject is decodeObject for gateways that share this client's transport.
func DecodeObject[T any](url string, body []byte, key string) (T, error) {
	return decodeObject[T](url, body, key)
}
