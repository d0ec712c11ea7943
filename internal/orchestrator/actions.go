package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hexenseai/hex-platform/pkg/types"
)

// actionPattern matches one inline UI directive. The body may span lines.
var actionPattern = regexp.MustCompile(`(?s)\[ACTION\](.*?)\[/ACTION\]`)

// ParseActions extracts [ACTION]{json}[/ACTION] directives from text. It
// returns the text with every directive removed and trimmed, the directives
// whose body is a JSON object in order of appearance, and the raw bodies of
// the directives that were dropped for not being one.
func ParseActions(text string) (clean string, actions []types.UIAction, dropped []string) {
	for _, m := range actionPattern.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		var action types.UIAction
		if err := json.Unmarshal([]byte(body), &action); err != nil || action == nil {
			dropped = append(dropped, body)
			continue
		}
		actions = append(actions, action)
	}
	clean = strings.TrimSpace(actionPattern.ReplaceAllString(text, ""))
	return clean, actions, dropped
}
