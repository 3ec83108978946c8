package notifier

import (
	"strings"
	"time"

	"conclave/internal/pkg/text"
)

const maxStructuredMessageLen = 3800

// MessageSection is one titled block of a notification.
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage is the uniform push format. Everything the router
// sends goes through it so deliveries read the same regardless of source.
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown flattens the message into Markdown, clipped to the push
// size limit. Sections with no printable lines disappear entirely.
func (m StructuredMessage) RenderMarkdown() string {
	parts := make([]string, 0, 4)
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		parts = append(parts, header)
	}
	if block := m.sectionBlock(); block != "" {
		parts = append(parts, block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		parts = append(parts, escapeFences(footer))
	}
	if !m.Timestamp.IsZero() {
		parts = append(parts, "Time: "+m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return text.Truncate(strings.Join(parts, "\n\n"), maxStructuredMessageLen)
}

// sectionBlock renders the surviving sections into one fenced code block,
// blank line between sections, or "" when nothing prints.
func (m StructuredMessage) sectionBlock() string {
	var blocks []string
	for _, sec := range m.Sections {
		lines := printable(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(escapeFences(title))
			b.WriteString("\n")
		}
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(escapeFences(line))
			b.WriteString("\n")
		}
		blocks = append(blocks, strings.TrimRight(b.String(), "\n"))
	}
	if len(blocks) == 0 {
		return ""
	}
	return "```\n" + strings.Join(blocks, "\n\n") + "\n```"
}

func printable(lines []string) []string {
	var out []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// escapeFences keeps embedded text from closing the surrounding code block.
func escapeFences(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
