// Package optimize applies the storefront script's heuristics to an HTML
// document on the server, so merchants can preview what the injected script
// will change. Every heuristic takes the settings explicitly.
package optimize

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"pagespeed/model"
)

var (
	rasterExt    = regexp.MustCompile(`(?i)\.(jpe?g|png)(\?|$)`)
	srcsetStrip  = regexp.MustCompile(`(?i)\.(jpe?g|png|webp)(\?.*)?$`)
	svgExt       = regexp.MustCompile(`(?i)\.svg(\?|$)`)
	cssComment   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	cssSpace     = regexp.MustCompile(`\s+`)
	cssPunctuate = regexp.MustCompile(`\s*([{}:;,])\s*`)
)

// Stats counts the elements each heuristic changed.
type Stats struct {
	Images              int `json:"images"`
	LazyLoaded          int `json:"lazyLoaded"`
	MinifiedStyles      int `json:"minifiedStyles"`
	DeferredStylesheets int `json:"deferredStylesheets"`
	CacheMarked         int `json:"cacheMarked"`
	Fonts               int `json:"fonts"`
}

// Document parses src, applies every heuristic enabled in s and renders the
// result.
func Document(src string, s model.Settings) (string, Stats, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", Stats{}, fmt.Errorf("parse html: %w", err)
	}

	stats := Stats{
		Images:              Images(doc, s),
		LazyLoaded:          LazyLoad(doc, s),
		MinifiedStyles:      MinifyStyles(doc, s),
		DeferredStylesheets: DeferStylesheets(doc, s),
		CacheMarked:         MarkCaching(doc, s),
		Fonts:               PreloadFonts(doc, s),
	}

	var b strings.Builder
	if err := html.Render(&b, doc); err != nil {
		return "", Stats{}, fmt.Errorf("render html: %w", err)
	}
	return b.String(), stats, nil
}

// Images wraps jpeg/png images in a picture element with a webp source and
// adds a responsive srcset to images that lack one. SVGs are left alone.
func Images(doc *html.Node, s model.Settings) int {
	if !s.EnableImageOptimization {
		return 0
	}

	changed := 0
	for _, img := range findAll(doc, isElement(atom.Img)) {
		src := getAttr(img, "src")
		if src == "" || svgExt.MatchString(src) {
			continue
		}

		touched := false
		parent := img.Parent
		if rasterExt.MatchString(src) && parent != nil && parent.DataAtom != atom.Picture {
			picture := element(atom.Picture)
			picture.AppendChild(element(atom.Source,
				html.Attribute{Key: "srcset", Val: rasterExt.ReplaceAllString(src, ".webp$2")},
				html.Attribute{Key: "type", Val: "image/webp"},
			))
			parent.InsertBefore(picture, img)
			parent.RemoveChild(img)
			picture.AppendChild(img)
			touched = true
		}

		if !hasAttr(img, "srcset") {
			base := srcsetStrip.ReplaceAllString(src, "")
			setAttr(img, "srcset", fmt.Sprintf("%[1]s-480w.webp 480w, %[1]s-768w.webp 768w, %[1]s-1200w.webp 1200w", base))
			touched = true
		}
		if touched {
			changed++
		}
	}
	return changed
}

// LazyLoad marks images without an explicit loading attribute as lazy.
func LazyLoad(doc *html.Node, s model.Settings) int {
	if !s.EnableLazyLoading {
		return 0
	}

	changed := 0
	for _, img := range findAll(doc, isElement(atom.Img)) {
		if hasAttr(img, "loading") {
			continue
		}
		setAttr(img, "loading", "lazy")
		changed++
	}
	return changed
}

// MinifyCSS strips comments and collapses whitespace the way the storefront
// script does.
func MinifyCSS(css string) string {
	css = cssComment.ReplaceAllString(css, "")
	css = cssSpace.ReplaceAllString(css, " ")
	css = cssPunctuate.ReplaceAllString(css, "$1")
	return strings.TrimSpace(css)
}

// MinifyStyles minifies the content of inline style elements.
func MinifyStyles(doc *html.Node, s model.Settings) int {
	if !s.MinifyCSS {
		return 0
	}

	changed := 0
	for _, style := range findAll(doc, isElement(atom.Style)) {
		for c := style.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.TextNode {
				continue
			}
			if minified := MinifyCSS(c.Data); minified != c.Data {
				c.Data = minified
				changed++
			}
		}
	}
	return changed
}

// DeferStylesheets switches non-critical stylesheets to media=print until
// they load. Hrefs mentioning "critical" or "main" stay render-blocking.
func DeferStylesheets(doc *html.Node, s model.Settings) int {
	if !s.DeferNonCriticalCSS {
		return 0
	}

	changed := 0
	for _, link := range findAll(doc, isStylesheet) {
		href := getAttr(link, "href")
		if href == "" || strings.Contains(href, "critical") || strings.Contains(href, "main") {
			continue
		}
		setAttr(link, "media", "print")
		setAttr(link, "onload", "this.media='all'")
		changed++
	}
	return changed
}

// MarkCaching tags cacheable assets with a data-cache-control attribute.
func MarkCaching(doc *html.Node, s model.Settings) int {
	if !s.EnableCaching {
		return 0
	}

	value := s.CacheControl()
	nodes := findAll(doc, func(n *html.Node) bool {
		switch {
		case isStylesheet(n):
			return true
		case n.DataAtom == atom.Script && hasAttr(n, "src"):
			return true
		case n.DataAtom == atom.Img:
			return true
		}
		return n.Type == html.ElementNode && hasAttr(n, "srcset")
	})
	for _, n := range nodes {
		setAttr(n, "data-cache-control", value)
	}
	return len(nodes)
}

// PreloadFonts adds crossorigin to font preloads, which browsers require to
// reuse the preloaded response.
func PreloadFonts(doc *html.Node, _ model.Settings) int {
	changed := 0
	for _, link := range findAll(doc, isElement(atom.Link)) {
		if !strings.EqualFold(getAttr(link, "rel"), "preload") || getAttr(link, "as") != "font" {
			continue
		}
		if getAttr(link, "href") == "" || hasAttr(link, "crossorigin") {
			continue
		}
		setAttr(link, "crossorigin", "")
		changed++
	}
	return changed
}

func isElement(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == a
	}
}

func isStylesheet(n *html.Node) bool {
	return n.Type == html.ElementNode && n.DataAtom == atom.Link &&
		strings.EqualFold(strings.TrimSpace(getAttr(n, "rel")), "stylesheet")
}

// findAll collects matches before callers mutate the tree.
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
