package redisstore

import (
	"strings"
)

const (
	fieldSessions = "sessions"
	fieldDownload = "down"
	fieldUpload   = "up"
	fieldSeconds  = "secs"
)

const fieldSep = "|"

type keys struct {
	prefix string
}

// live is the hash of live session checkpoints, by session id.
func (k keys) live() string { return k.prefix + ":live" }

// closed is the tombstone of a closed session.
func (k keys) closed(sessionID string) string { return k.prefix + ":closed:" + sessionID }

func (k keys) closedPattern() string { return k.prefix + ":closed:*" }

// traffic is the hash of daily counters for one date.
func (k keys) traffic(date string) string { return k.prefix + ":traffic:" + date }

func (k keys) trafficPattern() string { return k.prefix + ":traffic:*" }

func (k keys) dateOf(trafficKey string) string {
	return strings.TrimPrefix(trafficKey, k.prefix+":traffic:")
}

// applied marks a traffic record as counted.
func (k keys) applied(recordID string) string { return k.prefix + ":applied:" + recordID }

// nas is the hash describing one NAS, by IP.
func (k keys) nas(ip string) string { return k.prefix + ":nas:" + ip }

func trafficField(username, field string) string {
	return username + fieldSep + field
}

// splitTrafficField splits on the last separator, since usernames may
// contain it.
func splitTrafficField(f string) (username, field string, ok bool) {
	i := strings.LastIndex(f, fieldSep)
	if i < 0 {
		return "", "", false
	}
	return f[:i], f[i+1:], true
}
