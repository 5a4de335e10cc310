package session

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/voicelayer/sonicgate/pkg/novasonic"
)

// historyLine matches transcript lines of the form "User: ..." or
// "Assistant: ...", case-insensitively. Everything else is ignored.
var historyLine = regexp.MustCompile(`(?i)^(user|assistant):\s*(.*)$`)

// Message is one prior conversation entry replayed into a fresh prompt.
// Role is one of the novasonic role constants.
type Message struct {
	Role string
	Text string
}

// ParseHistory scans a client-supplied transcript into ordered history
// messages. Each matching line yields exactly one message with its role
// normalized; blank and non-matching lines yield none.
func ParseHistory(transcript string) []Message {
	if transcript == "" {
		return nil
	}
	var msgs []Message
	sc := bufio.NewScanner(strings.NewReader(transcript))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := historyLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		role := novasonic.RoleUser
		if strings.EqualFold(m[1], "assistant") {
			role = novasonic.RoleAssistant
		}
		msgs = append(msgs, Message{Role: role, Text: m[2]})
	}
	return msgs
}
