// Package markdown turns (possibly partial) markdown text into display nodes.
package markdown

import (
	"bytes"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"mumet-go/pkg/log"
)

// Node kinds.
const (
	KindParagraph     = "paragraph"
	KindHeading       = "heading"
	KindCodeBlock     = "code_block"
	KindBlockquote    = "blockquote"
	KindList          = "list"
	KindListItem      = "list_item"
	KindThematicBreak = "thematic_break"
	KindTable         = "table"
	KindTableRow      = "table_row"
	KindTableCell     = "table_cell"
	KindText          = "text"
	KindBreak         = "break"
	KindEmphasis      = "emphasis"
	KindStrong        = "strong"
	KindStrikethrough = "strikethrough"
	KindCode          = "code"
	KindLink          = "link"
	KindImage         = "image"
	KindTask          = "task"
)

// Node is one display element. Only the fields relevant to Kind are set.
type Node struct {
	Kind         string `json:"kind"`
	Text         string `json:"text,omitempty"`
	Level        int    `json:"level,omitempty"`
	Lang         string `json:"lang,omitempty"`
	URL          string `json:"url,omitempty"`
	Title        string `json:"title,omitempty"`
	Ordered      bool   `json:"ordered,omitempty"`
	Start        int    `json:"start,omitempty"`
	Checked      bool   `json:"checked,omitempty"`
	Unterminated bool   `json:"unterminated,omitempty"` // fenced code block still waiting for its closing fence
	HTML         string `json:"html,omitempty"`         // syntax highlighted code, class based
	Children     []Node `json:"children,omitempty"`
}

// Renderer converts markdown to nodes. It holds no per-call state and is safe for concurrent use.
type Renderer struct {
	md        goldmark.Markdown
	formatter *chromahtml.Formatter
	style     *chroma.Style
}

// NewRenderer returns a CommonMark + GFM renderer that highlights fenced code with chroma.
func NewRenderer() *Renderer {
	return &Renderer{
		md:        goldmark.New(goldmark.WithExtensions(extension.GFM)),
		formatter: chromahtml.New(chromahtml.WithClasses(true), chromahtml.PreventSurroundingPre(true)),
		style:     styles.Get("monokai"),
	}
}

// Render never fails: text that cannot be parsed comes back as a single paragraph.
func (r *Renderer) Render(content string) (nodes []Node) {
	if content == "" {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Warnf("markdown 渲染失败，回退为纯文本: %v", rec)
			nodes = []Node{{Kind: KindParagraph, Children: []Node{{Kind: KindText, Text: content}}}}
		}
	}()

	src := []byte(content)
	doc := r.md.Parser().Parse(text.NewReader(src))
	c := converter{src: src, r: r}
	return c.children(doc)
}

type converter struct {
	src []byte
	r   *Renderer
}

func (c *converter) children(n ast.Node) []Node {
	var out []Node
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		out = append(out, c.convert(child)...)
	}
	return out
}

func (c *converter) convert(n ast.Node) []Node {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		return []Node{{Kind: KindParagraph, Children: c.children(n)}}
	case *ast.Heading:
		return []Node{{Kind: KindHeading, Level: n.Level, Children: c.children(n)}}
	case *ast.FencedCodeBlock:
		return []Node{c.fencedCode(n)}
	case *ast.CodeBlock:
		return []Node{{Kind: KindCodeBlock, Text: c.lines(n)}}
	case *ast.Blockquote:
		return []Node{{Kind: KindBlockquote, Children: c.children(n)}}
	case *ast.List:
		return []Node{{Kind: KindList, Ordered: n.IsOrdered(), Start: n.Start, Children: c.children(n)}}
	case *ast.ListItem:
		return []Node{{Kind: KindListItem, Children: c.children(n)}}
	case *ast.ThematicBreak:
		return []Node{{Kind: KindThematicBreak}}
	case *ast.HTMLBlock:
		// 原样作为文本交给前端转义显示
		return []Node{{Kind: KindParagraph, Children: []Node{{Kind: KindText, Text: c.lines(n)}}}}
	case *ast.Text:
		out := []Node{{Kind: KindText, Text: string(n.Segment.Value(c.src))}}
		switch {
		case n.HardLineBreak():
			out = append(out, Node{Kind: KindBreak})
		case n.SoftLineBreak():
			out[0].Text += "\n"
		}
		return out
	case *ast.String:
		return []Node{{Kind: KindText, Text: string(n.Value)}}
	case *ast.Emphasis:
		kind := KindEmphasis
		if n.Level >= 2 {
			kind = KindStrong
		}
		return []Node{{Kind: kind, Children: c.children(n)}}
	case *ast.CodeSpan:
		return []Node{{Kind: KindCode, Text: c.plain(n)}}
	case *ast.Link:
		return []Node{{Kind: KindLink, URL: string(n.Destination), Title: string(n.Title), Children: c.children(n)}}
	case *ast.AutoLink:
		return []Node{{Kind: KindLink, URL: string(n.URL(c.src)), Children: []Node{{Kind: KindText, Text: string(n.Label(c.src))}}}}
	case *ast.Image:
		return []Node{{Kind: KindImage, URL: string(n.Destination), Title: string(n.Title), Text: c.plain(n)}}
	case *ast.RawHTML:
		var sb strings.Builder
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			sb.Write(seg.Value(c.src))
		}
		return []Node{{Kind: KindText, Text: sb.String()}}
	case *east.Strikethrough:
		return []Node{{Kind: KindStrikethrough, Children: c.children(n)}}
	case *east.TaskCheckBox:
		return []Node{{Kind: KindTask, Checked: n.IsChecked}}
	case *east.Table:
		return []Node{{Kind: KindTable, Children: c.children(n)}}
	case *east.TableHeader:
		return []Node{{Kind: KindTableRow, Level: 1, Children: c.children(n)}}
	case *east.TableRow:
		return []Node{{Kind: KindTableRow, Children: c.children(n)}}
	case *east.TableCell:
		return []Node{{Kind: KindTableCell, Children: c.children(n)}}
	default:
		// 未知节点：保留子节点，不丢内容
		return c.children(n)
	}
}

// plain concatenates the text of all inline descendants.
func (c *converter) plain(n ast.Node) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(c.src))
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

func (c *converter) lines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(c.src))
	}
	return sb.String()
}

func (c *converter) fencedCode(n *ast.FencedCodeBlock) Node {
	code := c.lines(n)
	node := Node{
		Kind:         KindCodeBlock,
		Lang:         string(n.Language(c.src)),
		Text:         code,
		Unterminated: !c.fenceClosed(n),
	}
	node.HTML = c.r.highlight(node.Lang, code)
	return node
}

// fenceClosed reports whether a closing fence follows the block's content.
// goldmark closes an open fence at end of input without telling us, so we look at the source.
func (c *converter) fenceClosed(n *ast.FencedCodeBlock) bool {
	var after int
	lines := n.Lines()
	switch {
	case lines.Len() > 0:
		after = lines.At(lines.Len() - 1).Stop
	case n.Info != nil:
		nl := bytes.IndexByte(c.src[n.Info.Segment.Stop:], '\n')
		if nl < 0 {
			return false
		}
		after = n.Info.Segment.Stop + nl + 1
	default:
		return countFenceLines(c.src)%2 == 0
	}
	if after > len(c.src) {
		return false
	}
	rest := c.src[after:]
	// 最后一行内容可能没有换行符，此时不可能有结束围栏
	if after > 0 && c.src[after-1] != '\n' {
		return false
	}
	line := rest
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		line = rest[:nl]
	}
	return isFenceLine(string(line))
}

func isFenceLine(line string) bool {
	line = strings.TrimLeft(line, " \t>")
	for _, fence := range []string{"```", "~~~"} {
		if strings.HasPrefix(line, fence) {
			return strings.TrimSpace(strings.TrimLeft(line, fence[:1])) == ""
		}
	}
	return false
}

func countFenceLines(src []byte) int {
	count := 0
	for _, line := range strings.Split(string(src), "\n") {
		trimmed := strings.TrimLeft(line, " \t>")
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			count++
		}
	}
	return count
}

func (r *Renderer) highlight(lang, code string) string {
	if lang == "" || code == "" {
		return ""
	}
	lexer := lexers.Get(lang)
	if lexer == nil {
		return ""
	}
	iterator, err := chroma.Coalesce(lexer).Tokenise(nil, code)
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.style, iterator); err != nil {
		return ""
	}
	return buf.String()
}
