package logger

import (
	"time"

	"go.uber.org/zap"
)

// Request fields.

// RequestID tags the request correlation id.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method tags the HTTP method.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path tags the request path.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status tags the HTTP status code.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration tags the elapsed time of an operation.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP tags the remote address of the caller.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// UserAgent tags the User-Agent header.
func UserAgent(v string) zap.Field {
	return zap.String("user_agent", v)
}

// Identity and access-control fields.

// DID tags the decentralized identifier of the subject.
func DID(v string) zap.Field {
	return zap.String("did", v)
}

// ClientID tags the OAuth client id.
func ClientID(v string) zap.Field {
	return zap.String("client_id", v)
}

// SessionID tags the session id.
func SessionID(v string) zap.Field {
	return zap.String("session_id", v)
}

// Action tags the requested action.
func Action(v string) zap.Field {
	return zap.String("action", v)
}

// Resource tags the resource type under authorization.
func Resource(v string) zap.Field {
	return zap.String("resource", v)
}

// Role tags a role name.
func Role(v string) zap.Field {
	return zap.String("role", v)
}

// Score tags a trust score.
func Score(v int) zap.Field {
	return zap.Int("score", v)
}

// System fields.

// Component tags the component/module emitting the log.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op tags the current operation.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Layer tags the layer (handler, service, store).
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Err tags an error value.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Generic fields.

// Count tags a generic count.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Key tags a generic key.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// String builds a generic string field.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int builds a generic int field.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool builds a generic bool field.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}

// Any builds a generic field for any value.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
