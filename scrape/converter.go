package scrape

import (
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Pre-compiled regexes; runtime compilation on scraped input risks ReDoS.
var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// ConvertResult is an extracted page: title plus plain-text content.
type ConvertResult struct {
	Title   string
	Content string
}

// Converter normalizes scraped HTML to plain text. Readability extraction is
// tried first to isolate the article body; pages it cannot parse fall back to
// a whole-page markdown conversion.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates an HTML-to-text converter.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &Converter{converter: converter}
}

// Convert extracts the readable content of a fetched page.
func (c *Converter) Convert(pageURL string, htmlContent []byte) (*ConvertResult, error) {
	title := extractHTMLTitle(htmlContent)

	if parsed, err := url.Parse(pageURL); err == nil {
		article, err := readability.FromReader(strings.NewReader(string(htmlContent)), parsed)
		if err == nil && strings.TrimSpace(article.TextContent) != "" {
			if article.Title != "" {
				title = article.Title
			}
			return &ConvertResult{
				Title:   title,
				Content: cleanText(article.TextContent),
			}, nil
		}
	}

	// Readability could not isolate an article body; convert the stripped
	// page wholesale.
	cleaned := styleRe.ReplaceAllString(scriptRe.ReplaceAllString(string(htmlContent), ""), "")
	markdown, err := c.converter.ConvertString(cleaned)
	if err != nil {
		return nil, err
	}

	return &ConvertResult{
		Title:   title,
		Content: cleanText(markdown),
	}, nil
}

// cleanText collapses excessive blank lines and trims the result.
func cleanText(text string) string {
	return strings.TrimSpace(excessiveLinesRe.ReplaceAllString(text, "\n\n\n"))
}

// extractHTMLTitle extracts the <title> of a page.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return ""
	}

	var title string
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" {
				return
			}
			extract(c)
		}
	}
	extract(doc)

	return title
}
