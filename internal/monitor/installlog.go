package monitor

import (
	"regexp"
	"strings"
)

const maxInfoFields = 32

var (
	reInfoHeader = []*regexp.Regexp{
		regexp.MustCompile(`^\s*={2,}\s*(.+?)\s+INFO\s*={2,}\s*$`),
		regexp.MustCompile(`^\s*\[\s*(.+?)\s+INFO\s*\]\s*$`),
	}
	reInfoField = regexp.MustCompile(`^\s*([A-Za-z][\w .\-/()]*?)\s*:\s*(.*?)\s*$`)
)

// infoBlock is a completed key:value block.
type infoBlock struct {
	title  string
	fields map[string]string
}

// infoParser collects structured info blocks printed by firmware, e.g.
//
//	=== DEVICE INFO ===
//	Chip: ESP32-S3
//	Flash: 8MB
type infoParser struct {
	open   bool
	title  string
	fields map[string]string
}

func headerTitle(line string) (string, bool) {
	for _, re := range reInfoHeader {
		if m := re.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// feed consumes one line and returns a block when the line closed one.
func (p *infoParser) feed(line string) *infoBlock {
	if title, ok := headerTitle(line); ok {
		done := p.flush()
		p.open, p.title, p.fields = true, title, make(map[string]string)
		return done
	}
	if !p.open {
		return nil
	}
	m := reInfoField.FindStringSubmatch(line)
	if m == nil {
		return p.flush()
	}
	p.fields[m[1]] = m[2]
	if len(p.fields) >= maxInfoFields {
		return p.flush()
	}
	return nil
}

// flush closes the open block. Empty blocks are dropped.
func (p *infoParser) flush() *infoBlock {
	if !p.open {
		return nil
	}
	b := &infoBlock{title: p.title, fields: p.fields}
	p.open, p.title, p.fields = false, "", nil
	if len(b.fields) == 0 {
		return nil
	}
	return b
}
