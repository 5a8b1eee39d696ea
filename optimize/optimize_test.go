package optimize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"pagespeed/model"
)

func parse(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func allOff() model.Settings {
	return model.Settings{ImageQuality: 80, CacheExpiration: 3600}
}

func TestImages(t *testing.T) {
	t.Run("wraps raster images in picture", func(t *testing.T) {
		doc := parse(t, `<body><div><img src="/cdn/hero.jpg"></div></body>`)

		assert.Equal(t, 1, Images(doc, model.DefaultSettings()))

		pictures := findAll(doc, isElement(atom.Picture))
		require.Len(t, pictures, 1)
		source := pictures[0].FirstChild
		require.NotNil(t, source)
		assert.Equal(t, "/cdn/hero.webp", getAttr(source, "srcset"))
		assert.Equal(t, "image/webp", getAttr(source, "type"))

		img := source.NextSibling
		require.NotNil(t, img)
		assert.Equal(t, "/cdn/hero.jpg", getAttr(img, "src"))
		assert.Equal(t, "/cdn/hero-480w.webp 480w, /cdn/hero-768w.webp 768w, /cdn/hero-1200w.webp 1200w", getAttr(img, "srcset"))
	})

	t.Run("keeps existing picture and srcset", func(t *testing.T) {
		doc := parse(t, `<body><picture><img src="a.png" srcset="a.png 1x"></picture></body>`)

		assert.Equal(t, 0, Images(doc, model.DefaultSettings()))
		assert.Len(t, findAll(doc, isElement(atom.Picture)), 1)
	})

	t.Run("skips svg", func(t *testing.T) {
		doc := parse(t, `<body><img src="logo.svg"></body>`)
		assert.Equal(t, 0, Images(doc, model.DefaultSettings()))
	})

	t.Run("disabled", func(t *testing.T) {
		doc := parse(t, `<body><img src="a.jpg"></body>`)
		assert.Equal(t, 0, Images(doc, allOff()))
		assert.Empty(t, findAll(doc, isElement(atom.Picture)))
	})
}

func TestLazyLoad(t *testing.T) {
	doc := parse(t, `<body><img src="a.jpg"><img src="b.jpg" loading="eager"></body>`)

	assert.Equal(t, 0, LazyLoad(doc, allOff()))
	assert.Equal(t, 1, LazyLoad(doc, model.DefaultSettings()))

	imgs := findAll(doc, isElement(atom.Img))
	assert.Equal(t, "lazy", getAttr(imgs[0], "loading"))
	assert.Equal(t, "eager", getAttr(imgs[1], "loading"))
}

func TestMinifyCSS(t *testing.T) {
	in := "/* header */\nbody {\n  color : red ;\n  margin: 0 , 0;\n}\n"
	assert.Equal(t, "body{color:red;margin:0,0;}", MinifyCSS(in))
	assert.Equal(t, "", MinifyCSS("  /* only a comment */  "))
}

func TestMinifyStyles(t *testing.T) {
	doc := parse(t, "<head><style>\n a { color : blue }\n</style><style>b{x:y}</style></head>")

	assert.Equal(t, 0, MinifyStyles(doc, allOff()))
	assert.Equal(t, 1, MinifyStyles(doc, model.DefaultSettings()))

	styles := findAll(doc, isElement(atom.Style))
	assert.Equal(t, "a{color:blue}", styles[0].FirstChild.Data)
}

func TestDeferStylesheets(t *testing.T) {
	doc := parse(t, `<head>
<link rel="stylesheet" href="/theme.css">
<link rel="stylesheet" href="/critical.css">
<link rel="stylesheet" href="/main.css">
<link rel="icon" href="/favicon.ico">
</head>`)

	assert.Equal(t, 0, DeferStylesheets(doc, allOff()))
	assert.Equal(t, 1, DeferStylesheets(doc, model.DefaultSettings()))

	links := findAll(doc, isStylesheet)
	require.Len(t, links, 3)
	assert.Equal(t, "print", getAttr(links[0], "media"))
	assert.Equal(t, "this.media='all'", getAttr(links[0], "onload"))
	assert.False(t, hasAttr(links[1], "media"))
	assert.False(t, hasAttr(links[2], "media"))
}

func TestMarkCaching(t *testing.T) {
	doc := parse(t, `<head><link rel="stylesheet" href="/a.css"><script src="/a.js"></script><script>inline()</script></head>
<body><img src="a.jpg"><source srcset="a.webp"></body>`)

	assert.Equal(t, 0, MarkCaching(doc, allOff()))
	assert.Equal(t, 4, MarkCaching(doc, model.DefaultSettings()))

	img := findAll(doc, isElement(atom.Img))[0]
	assert.Equal(t, "public, max-age=3600, immutable", getAttr(img, "data-cache-control"))
}

func TestPreloadFonts(t *testing.T) {
	doc := parse(t, `<head>
<link rel="preload" as="font" href="/f.woff2">
<link rel="preload" as="image" href="/i.png">
<link rel="preload" as="font">
</head>`)

	assert.Equal(t, 1, PreloadFonts(doc, allOff()))
	links := findAll(doc, isElement(atom.Link))
	assert.True(t, hasAttr(links[0], "crossorigin"))
	assert.False(t, hasAttr(links[1], "crossorigin"))
}

func TestDocument(t *testing.T) {
	src := `<!DOCTYPE html><html><head><style> p { margin : 0 } </style><link rel="stylesheet" href="/extra.css"></head>
<body><img src="/hero.png"></body></html>`

	out, stats, err := Document(src, model.DefaultSettings())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Images)
	assert.Equal(t, 1, stats.LazyLoaded)
	assert.Equal(t, 1, stats.MinifiedStyles)
	assert.Equal(t, 1, stats.DeferredStylesheets)
	assert.Contains(t, out, "<picture>")
	assert.Contains(t, out, `loading="lazy"`)
	assert.Contains(t, out, "p{margin:0}")
}
