package cache

import "errors"

var (
	// Cache operation errors
	ErrCacheMiss             = errors.New("cache miss")
	ErrValueTooLarge         = errors.New("value exceeds tier capacity")
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage backend unavailable")
	ErrStorageTimeout     = errors.New("storage operation timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
