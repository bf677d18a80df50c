package storage

import "github.com/google/uuid"

func generateID() string {
	return uuid.NewString()
}

// rawSourceKey mints the object key for an uploaded source file. Keys are
// random per upload attempt, never derived from the video ID, so reissuing
// an upload handle cannot overwrite an object a stale URL already wrote.
func rawSourceKey(ext string) string {
	return "videos/" + uuid.NewString() + ext
}
