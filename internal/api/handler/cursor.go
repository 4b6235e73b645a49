package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ubuntuhub/community-worker/internal/api/storage"
)

// DecodeInstanceCursor parses an opaque pagination cursor. An empty
// string means the first page.
func DecodeInstanceCursor(cursorStr string) (*storage.InstanceCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var startedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &startedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid startedAt in cursor: %w", err)
	}

	return &storage.InstanceCursor{
		StartedAt: time.Unix(0, startedAt),
		ID:        decodedParts[1],
	}, nil
}

// EncodeInstanceCursor renders a cursor for the position after the
// given instance.
func EncodeInstanceCursor(cursor *storage.InstanceCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.StartedAt.UnixNano(), cursor.ID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
