package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/cardwire"
)

var (
	kindStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// formatter renders what the commands print.
type formatter interface {
	Message(cardwire.Message) (string, error)
	Metrics(cardwire.Metrics) (string, error)
}

func newFormatter(format string) (formatter, error) {
	switch strings.ToLower(format) {
	case "", "table":
		return tableFormatter{}, nil
	case "json":
		return jsonFormatter{}, nil
	case "yaml":
		return yamlFormatter{}, nil
	}
	return nil, fmt.Errorf("unsupported output format %q", format)
}

type jsonFormatter struct{}

func (jsonFormatter) Message(m cardwire.Message) (string, error) {
	data, err := json.Marshal(m)
	return string(data), err
}

func (jsonFormatter) Metrics(m cardwire.Metrics) (string, error) {
	data, err := json.Marshal(m)
	return string(data), err
}

type yamlFormatter struct{}

func (yamlFormatter) Message(m cardwire.Message) (string, error) {
	data, err := yaml.Marshal(plainNumbers(map[string]any(m)))
	return "---\n" + strings.TrimRight(string(data), "\n"), err
}

// plainNumbers replaces decoded json.Number values with int64 or float64 so
// yaml does not quote them as strings.
func plainNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = plainNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plainNumbers(e)
		}
		return out
	}
	return v
}

func (yamlFormatter) Metrics(m cardwire.Metrics) (string, error) {
	data, err := yaml.Marshal(m)
	return "---\n" + strings.TrimRight(string(data), "\n"), err
}

// tableFormatter prints one styled line per item.
type tableFormatter struct{}

func (tableFormatter) Message(m cardwire.Message) (string, error) {
	kind := m.Type()
	if kind == "" {
		kind = "?"
	}

	rest := make(cardwire.Message, len(m))
	for k, v := range m {
		if k != cardwire.TypeKey {
			rest[k] = v
		}
	}
	body, err := json.Marshal(rest)
	if err != nil {
		return "", err
	}
	return kindStyle.Render(kind) + " " + string(body), nil
}

func (tableFormatter) Metrics(m cardwire.Metrics) (string, error) {
	field := func(label, value string) string {
		return labelStyle.Render(label) + " " + value
	}

	return strings.Join([]string{
		field("rtt", fmt.Sprintf("%.2fms", m.RTTMs)),
		field("avg", fmt.Sprintf("%.2fms", m.AvgRTTMs)),
		field("loss", lossStyle(m.LossRate).Render(fmt.Sprintf("%.1f%%", m.LossRate))),
		field("sent", fmt.Sprint(m.Sent)),
		field("recv", fmt.Sprint(m.Received)),
		field("dropped", fmt.Sprint(m.Dropped)),
	}, "  "), nil
}

func lossStyle(rate float64) lipgloss.Style {
	switch {
	case rate >= 20:
		return badStyle
	case rate > 0:
		return warnStyle
	}
	return goodStyle
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
