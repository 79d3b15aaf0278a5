package broadcast

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
)

const (
	ConversationsPrefix = "conversations"
	PresencePrefix      = "presence"
)

func ConversationStream(kind identity.Kind, id uint64) string {
	return ConversationsPrefix + ":" + string(kind) + ":" + strconv.FormatUint(id, 10)
}

func PresenceStream(kind identity.Kind, id uint64) string {
	return PresencePrefix + ":" + string(kind) + ":" + strconv.FormatUint(id, 10)
}

// ParseStream splits "<prefix>:<kind>:<id>".
func ParseStream(stream string) (prefix string, kind identity.Kind, id uint64, err error) {
	parts := strings.Split(stream, ":")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("malformed stream %q", stream)
	}
	k, ok := identity.ParseKind(parts[1])
	if !ok {
		return "", "", 0, fmt.Errorf("unknown kind in stream %q", stream)
	}
	n, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("bad id in stream %q: %w", stream, err)
	}
	return parts[0], k, n, nil
}
