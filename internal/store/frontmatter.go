package store

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ccui-dev/ccui/internal/models"
)

const fmDelim = "---"

// frontMatter is the YAML header of a task file. Identity and status come
// from the file's location, not from the header.
type frontMatter struct {
	Title     string `yaml:"title"`
	Priority  string `yaml:"priority,omitempty"`
	CreatedAt string `yaml:"createdAt,omitempty"`
	UpdatedAt string `yaml:"updatedAt,omitempty"`
}

func encodeTask(task *models.Task) ([]byte, error) {
	fm := frontMatter{
		Title:     task.Title,
		Priority:  string(task.Priority),
		CreatedAt: task.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: task.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(fmDelim + "\n")
	buf.Write(header)
	buf.WriteString(fmDelim + "\n")
	buf.WriteString(task.Spec)
	return buf.Bytes(), nil
}

// decodeTask parses a task file. Files without front matter are treated as
// a bare spec, which lets people drop hand written notes into a column.
func decodeTask(data []byte) (*models.Task, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	task := &models.Task{Priority: models.PriorityMedium}

	if !strings.HasPrefix(text, fmDelim+"\n") {
		task.Spec = text
		return task, nil
	}

	rest := text[len(fmDelim)+1:]
	end := strings.Index(rest, "\n"+fmDelim+"\n")
	var header string
	switch {
	case end >= 0:
		header = rest[:end+1]
		task.Spec = rest[end+len(fmDelim)+2:]
	case strings.HasPrefix(rest, fmDelim+"\n"):
		task.Spec = rest[len(fmDelim)+1:]
	case strings.HasSuffix(rest, "\n"+fmDelim):
		header = strings.TrimSuffix(rest, fmDelim)
	default:
		return nil, errors.New("unterminated front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("front matter: %w", err)
	}
	task.Title = fm.Title
	if p := models.Priority(fm.Priority); p.Valid() {
		task.Priority = p
	}
	task.CreatedAt = parseTime(fm.CreatedAt)
	task.UpdatedAt = parseTime(fm.UpdatedAt)
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	return task, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
