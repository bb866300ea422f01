// Session id format:
//
//	sess_{unixMillis}_{hex8}
//
// Examples:
//
//	sess_1756022400123_9f1c02ab
//	sess_1756022455789_00e4d21c
//
// The timestamp makes ids sortable by creation time in logs; the random
// suffix keeps ids from colliding within one millisecond.
package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const sessionIDPrefix = "sess_"

// NewSessionID mints a fresh session id for the given creation time.
func NewSessionID(nowMs int64) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return fmt.Sprintf("%s%d_%s", sessionIDPrefix, nowMs, hex.EncodeToString(buf))
}

// ParseSessionID extracts the creation timestamp from a session id.
// Returns false when the id is not in the canonical format.
func ParseSessionID(id string) (createdAtMs int64, ok bool) {
	rest, found := strings.CutPrefix(id, sessionIDPrefix)
	if !found {
		return 0, false
	}
	tsPart, randPart, found := strings.Cut(rest, "_")
	if !found || len(randPart) != 8 {
		return 0, false
	}
	if _, err := hex.DecodeString(randPart); err != nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts < 0 {
		return 0, false
	}
	return ts, true
}

// IsSessionID reports whether id looks like a canonical session id.
func IsSessionID(id string) bool {
	_, ok := ParseSessionID(id)
	return ok
}
