package attrwatch

import (
	"cmp"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/attrwatch/attrwatch/message"
)

// Exporter renders the log for download. Markup captured from the page is
// sanitised before it is embedded anywhere.
type Exporter struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

// NewExporter builds an Exporter with the UGC sanitising policy.
func NewExporter() *Exporter {
	return &Exporter{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

type exportDoc struct {
	ExportTime string                `json:"exportTime"`
	Watchers   []message.WatcherInfo `json:"watchers"`
	Logs       []message.LogEntry    `json:"logs"`
}

// Export renders watchers and logs (newest first) in format: json, csv,
// txt or markdown. An empty format means JSON.
func (x *Exporter) Export(at time.Time, format message.ExportFormat, watchers []message.WatcherInfo, logs []message.LogEntry) (message.Exported, error) {
	out := message.Exported{
		Success:    true,
		ExportTime: at.UTC().Format(time.RFC3339),
		Format:     format,
		Watchers:   watchers,
		Logs:       logs,
	}
	switch format {
	case "", message.FormatJSON:
		out.Format = message.FormatJSON
		b, err := json.MarshalIndent(exportDoc{out.ExportTime, watchers, logs}, "", "  ")
		if err != nil {
			return message.Exported{}, fmt.Errorf("attrwatch: export json: %w", err)
		}
		out.Content = string(b)
	case message.FormatCSV:
		c, err := exportCSV(logs)
		if err != nil {
			return message.Exported{}, err
		}
		out.Content = c
	case message.FormatTXT:
		out.Content = exportTXT(out.ExportTime, logs)
	case message.FormatMarkdown:
		md, err := x.markdown(out.ExportTime, watchers, logs)
		if err != nil {
			return message.Exported{}, err
		}
		out.Content = md
	default:
		return message.Exported{}, fmt.Errorf("attrwatch: export: unsupported format %q", format)
	}
	return out, nil
}

// markdown builds an HTML report and converts it, so table layout and
// escaping come from the converter. Entries are grouped by the watcher
// that wrote them; watchers removed since still get their section.
func (x *Exporter) markdown(at string, watchers []message.WatcherInfo, logs []message.LogEntry) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "<h1>Attribute watch export</h1><p>Exported %s</p>", html.EscapeString(at))
	for _, g := range groupLogs(watchers, logs) {
		w := g.info
		fmt.Fprintf(&b, "<h2>#%d %s</h2><p><code>%s</code>", w.Serial, html.EscapeString(w.Name), html.EscapeString(w.Attribute))
		if g.removed {
			b.WriteString(" (removed)</p>")
		} else {
			fmt.Fprintf(&b, " on <code>%s</code> (%s)</p>", html.EscapeString(w.Selector), liveLabel(w.Live))
		}

		b.WriteString("<table><thead><tr><th>Time</th><th>Type</th><th>Value</th></tr></thead><tbody>")
		for _, e := range g.logs {
			fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
				html.EscapeString(e.TimeString), e.Type, x.cell(e))
		}
		b.WriteString("</tbody></table>")
	}
	md, err := x.md.ConvertString(b.String())
	if err != nil {
		return "", fmt.Errorf("attrwatch: export markdown: %w", err)
	}
	return md, nil
}

type logGroup struct {
	info    message.WatcherInfo
	removed bool
	logs    []message.LogEntry
}

// groupLogs pairs each watcher with its entries, keeping log order. Entries
// of watchers no longer registered form groups described from the entries
// themselves. Groups are ordered by serial.
func groupLogs(watchers []message.WatcherInfo, logs []message.LogEntry) []*logGroup {
	byID := make(map[int64]*logGroup, len(watchers))
	var groups []*logGroup
	for _, w := range watchers {
		g := &logGroup{info: w}
		byID[w.ID] = g
		groups = append(groups, g)
	}
	for _, e := range logs {
		g := byID[e.WatcherID]
		if g == nil {
			g = &logGroup{
				info: message.WatcherInfo{
					ID:        e.WatcherID,
					Name:      e.WatcherName,
					Serial:    e.Serial,
					Attribute: e.Attribute,
				},
				removed: true,
			}
			byID[e.WatcherID] = g
			groups = append(groups, g)
		}
		g.logs = append(g.logs, e)
	}
	slices.SortStableFunc(groups, func(a, b *logGroup) int {
		return cmp.Compare(a.info.Serial, b.info.Serial)
	})
	return groups
}

// exportCSV writes one row per entry, newest first, with a header row.
// Absent values are empty cells.
func exportCSV(logs []message.LogEntry) (string, error) {
	var b strings.Builder
	cw := csv.NewWriter(&b)
	rows := [][]string{{"timestamp", "time", "watcher_id", "watcher", "serial", "attribute", "type", "value"}}
	for _, e := range logs {
		value := ""
		if e.NewValue != nil {
			value = *e.NewValue
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.Timestamp, 10),
			e.TimeString,
			strconv.FormatInt(e.WatcherID, 10),
			e.WatcherName,
			strconv.FormatInt(e.Serial, 10),
			e.Attribute,
			string(e.Type),
			value,
		})
	}
	if err := cw.WriteAll(rows); err != nil {
		return "", fmt.Errorf("attrwatch: export csv: %w", err)
	}
	return b.String(), nil
}

// exportTXT renders a numbered plain-text listing.
func exportTXT(at string, logs []message.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attribute watch export\nExported: %s\nEntries: %d\n%s\n\n", at, len(logs), strings.Repeat("=", 50))
	for i, e := range logs {
		value := "(absent)"
		if e.NewValue != nil {
			value = strconv.Quote(*e.NewValue)
		}
		fmt.Fprintf(&b, "[%d] %s\nWatcher: #%d %s\nAttribute: %s\nValue: %s\nType: %s\n%s\n\n",
			i+1, e.TimeString, e.Serial, e.WatcherName, e.Attribute, value, e.Type, strings.Repeat("-", 30))
	}
	return b.String()
}

func (x *Exporter) cell(e message.LogEntry) string {
	if e.NewValue == nil {
		return "<em>absent</em>"
	}
	if e.Attribute == ChannelInnerHTML {
		return x.policy.Sanitize(*e.NewValue)
	}
	return html.EscapeString(*e.NewValue)
}

func liveLabel(live bool) string {
	if live {
		return "live"
	}
	return "paused"
}
