package attrwatch

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/attrwatch/dom"
)

// Content channels: observable quantities that are not DOM attributes.
const (
	ChannelTextContent = "textContent"
	ChannelInnerText   = "innerText"
	ChannelInnerHTML   = "innerHTML"
)

// IsContentChannel reports whether name is one of the content channels.
func IsContentChannel(name string) bool {
	switch name {
	case ChannelTextContent, ChannelInnerText, ChannelInnerHTML:
		return true
	}
	return false
}

// NormalizeAttribute returns the key a watcher binds under: content
// channel names are kept exact, HTML attribute names are lowercased as the
// parser stores them.
func NormalizeAttribute(name string) string {
	name = strings.TrimSpace(name)
	if IsContentChannel(name) {
		return name
	}
	return strings.ToLower(name)
}

// ValueOf reads the observed value of channel name on n. A real attribute
// of that name wins over a content channel; nil means absent.
func ValueOf(n *html.Node, name string) *string {
	if v, ok := dom.Attr(n, name); ok {
		return &v
	}
	if lower := strings.ToLower(name); lower != name {
		if v, ok := dom.Attr(n, lower); ok {
			return &v
		}
	}
	var v string
	switch name {
	case ChannelTextContent:
		v = dom.TextContent(n)
	case ChannelInnerText:
		v = dom.InnerText(n)
	case ChannelInnerHTML:
		v = dom.InnerHTML(n)
	default:
		return nil
	}
	return &v
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func observeOptions(attribute string) dom.ObserveOptions {
	filter := []string{attribute}
	if lower := strings.ToLower(attribute); lower != attribute {
		filter = append(filter, lower)
	}
	opts := dom.ObserveOptions{AttributeFilter: filter}
	if IsContentChannel(attribute) {
		opts.ChildList = true
		opts.CharacterData = true
	}
	return opts
}
