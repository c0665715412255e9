package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "<prefix>_<uuid without dashes>", or the bare hex when
// prefix is empty.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
