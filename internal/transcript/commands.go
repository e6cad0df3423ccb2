package transcript

import (
	"regexp"
	"strings"
)

// CommandSendMessage is the only command type with distinguished fields
// today; everything else passes through with its name and inner text.
const CommandSendMessage = "send_message"

// Command is one orchestration command embedded in a transcript message.
type Command struct {
	Name     string
	From     string
	To       string
	Title    string
	Content  string
	Priority string
}

// commandFields are the recognized send_message fields, readable either as
// attributes of the opening tag or as nested child tags.
var commandFields = []string{"from", "to", "title", "content", "priority"}

var (
	commandRe = regexp.MustCompile(`(?s)<orc-command\s+([^>]*?)>(.*?)</orc-command>`)
	attrRe    = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)

	fieldChildRes = map[string]*regexp.Regexp{}
	fieldStripRes = map[string]*regexp.Regexp{}
)

func init() {
	for _, field := range commandFields {
		fieldChildRes[field] = regexp.MustCompile(`(?s)<` + field + `>(.*?)</` + field + `>`)
		fieldStripRes[field] = regexp.MustCompile(`(?s)<` + field + `>.*?</` + field + `>`)
	}
}

// ExtractCommands scans text for <orc-command name="TYPE" ...>...</orc-command>
// tags (type= accepted as a synonym of name=) owned by the given agent.
// Fields may appear as attributes or as nested child tags; attributes win
// ties. Absent fields default to: from = owner, priority = "normal",
// content = the inner text with any field tags stripped.
func ExtractCommands(text, owner string) []Command {
	matches := commandRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	commands := make([]Command, 0, len(matches))
	for _, match := range matches {
		attrs := parseAttrs(match[1])
		inner := match[2]

		name := attrs["name"]
		if name == "" {
			name = attrs["type"]
		}
		if name == "" {
			continue
		}

		cmd := Command{
			Name:     name,
			From:     fieldValue(attrs, inner, "from"),
			To:       fieldValue(attrs, inner, "to"),
			Title:    fieldValue(attrs, inner, "title"),
			Content:  fieldValue(attrs, inner, "content"),
			Priority: fieldValue(attrs, inner, "priority"),
		}

		if cmd.Content == "" {
			cmd.Content = strings.TrimSpace(stripFieldTags(inner))
		}
		if cmd.From == "" {
			cmd.From = owner
		}
		if cmd.Priority == "" {
			cmd.Priority = "normal"
		}

		commands = append(commands, cmd)
	}
	return commands
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, match := range attrRe.FindAllStringSubmatch(s, -1) {
		attrs[match[1]] = match[2]
	}
	return attrs
}

// fieldValue reads a field from the attributes, falling back to a nested
// child tag. Attribute form takes precedence when both exist.
func fieldValue(attrs map[string]string, inner, field string) string {
	if v, ok := attrs[field]; ok {
		return v
	}
	if match := fieldChildRes[field].FindStringSubmatch(inner); match != nil {
		return strings.TrimSpace(match[1])
	}
	return ""
}

func stripFieldTags(inner string) string {
	for _, field := range commandFields {
		inner = fieldStripRes[field].ReplaceAllString(inner, "")
	}
	return inner
}
