// Package idgen generates identifiers used across the job pipeline:
// 128-bit UUIDs for Job/Chat/ChatMessage records, and short nanoids for
// opaque internal handles such as per-attempt trace file names.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewID returns a new string-encoded UUID, per spec §3's "128-bit UUID,
// string-encoded" identifier contract for jobs, chats, and messages.
func NewID() string {
	return uuid.NewString()
}

const nanoidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewOpaqueID returns a short random alphanumeric id for internal
// handles that don't need the full UUID namespace, such as
// disambiguating multiple trace files for retried attempts of the same
// job id.
func NewOpaqueID(length int) string {
	id, err := gonanoid.Generate(nanoidAlphabet, length)
	if err != nil {
		panic(fmt.Sprintf("idgen: generate nanoid: %v", err))
	}
	return id
}
