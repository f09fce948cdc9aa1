package cache

import (
	"fmt"
	"strings"
)

// Key layout:
// - rosterKey(docID): online connections of a room (ZSet<connID, expireAtUnix>)
// - namesKey(docID):  connID -> member JSON (Hash)
// - channel(docID):   pub/sub channel carrying raw update deltas

const (
	keyRosterFmt   = "roster:room:{docID:%s}"
	keyNamesFmt    = "roster:room:names:{docID:%s}"
	channelPrefix  = "doc:update:"
	channelPattern = channelPrefix + "%s"
)

func rosterKey(docID string) string { return fmt.Sprintf(keyRosterFmt, docID) }
func namesKey(docID string) string  { return fmt.Sprintf(keyNamesFmt, docID) }
func channel(docID string) string   { return fmt.Sprintf(channelPattern, docID) }

func docFromChannel(ch string) (string, bool) {
	if !strings.HasPrefix(ch, channelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ch, channelPrefix), true
}
