package analyzer

import (
	"regexp"

	"github.com/semantrix/modelrouter/internal/models"
	"go.uber.org/zap"
)

// Complexity weights per content type and per detected in-text feature.
// These are design constants: golden tests reproduce them exactly.
const (
	weightTextMax   = 0.3
	textSaturation  = 10000 // characters at which the text weight saturates
	weightImage     = 0.2
	weightCode      = 0.2
	weightJSON      = 0.15
	weightHTML      = 0.15
	weightXML       = 0.15
	weightCSV       = 0.1
	weightDocument  = 0.25
	weightCodeBlock = 0.1
	weightTable     = 0.1
	weightURL       = 0.05
)

// An item is counted as large content when it exceeds this many tokens.
const largeContentTokens = 1000

var (
	reBase64Image = regexp.MustCompile(`data:image/[^;]+;base64,[a-zA-Z0-9+/]+=*`)
	reImageURL    = regexp.MustCompile(`(?i)^https?://\S+\.(jpg|jpeg|png|gif|bmp|webp|svg)$`)
	reCodeBlock   = regexp.MustCompile("(?s)```\\w*\\n.*?\\n```")
	reJSONBlock   = regexp.MustCompile("(?s)```json\\n.*?\\n```")
	reHTMLBlock   = regexp.MustCompile("(?s)```html\\n.*?\\n```")
	reXMLBlock    = regexp.MustCompile("(?s)```xml\\n.*?\\n```")
	reCSVBlock    = regexp.MustCompile("(?s)```csv\\n.*?\\n```")
	reTable       = regexp.MustCompile(`(?s)\|.*\|\n\|[\s\-:]*\|\n\|.*\|`)
	reURL         = regexp.MustCompile(`https?://\S+`)
)

// Tokenizer estimates token counts for text. Implementations must be
// monotonic in text length.
type Tokenizer interface {
	EstimateTokens(text string) int
}

// approxTokenizer approximates one token per four characters. This is not
// exact, but it is cheap, monotonic, and close enough for routing
// thresholds; a precise tokenizer can be plugged in when one is available.
type approxTokenizer struct{}

func (approxTokenizer) EstimateTokens(text string) int {
	return len(text) / 4
}

// Analyzer classifies and measures inbound request content.
type Analyzer struct {
	tokenizer Tokenizer
	logger    *zap.Logger
}

// New creates an analyzer with the default approximate tokenizer.
func New(logger *zap.Logger) *Analyzer {
	return NewWithTokenizer(approxTokenizer{}, logger)
}

// NewWithTokenizer creates an analyzer with a caller-supplied tokenizer.
func NewWithTokenizer(tok Tokenizer, logger *zap.Logger) *Analyzer {
	return &Analyzer{tokenizer: tok, logger: logger}
}

// EstimateTokens exposes the analyzer's token estimate for a text string.
func (a *Analyzer) EstimateTokens(text string) int {
	return a.tokenizer.EstimateTokens(text)
}

// DetectContentType detects the type of a raw text string. Pattern families
// are checked in a fixed precedence order: base64 image data URI, image URL,
// fenced code block, language-tagged fenced block, then plain text. The
// ordering is a contract: overlapping patterns (a code block containing a
// URL, say) must resolve the same way every time. A fenced block always
// resolves to code here regardless of its language tag; ExtractItems refines
// tagged blocks into their specific types during extraction.
func (a *Analyzer) DetectContentType(content string) models.ContentType {
	if reBase64Image.MatchString(content) {
		return models.ContentTypeImage
	}
	if reImageURL.MatchString(content) {
		return models.ContentTypeImage
	}
	if reCodeBlock.MatchString(content) {
		return models.ContentTypeCode
	}
	if reJSONBlock.MatchString(content) {
		return models.ContentTypeJSON
	}
	if reHTMLBlock.MatchString(content) {
		return models.ContentTypeHTML
	}
	if reXMLBlock.MatchString(content) {
		return models.ContentTypeXML
	}
	if reCSVBlock.MatchString(content) {
		return models.ContentTypeCSV
	}
	return models.ContentTypeText
}

// Analyze computes a fresh ContentAnalysis for the request. It is a pure
// function of the request and has no failure mode of its own: per-item
// detector failures are collected into a single AnalysisError while analysis
// continues for the remaining items. This is a policy choice, not an
// accident: a malformed item only starves its own contribution to the token
// count, it never aborts the whole analysis.
func (a *Analyzer) Analyze(req *models.RoutingRequest) (models.ContentAnalysis, error) {
	analysis := models.ContentAnalysis{}
	var itemErrs []models.ItemError

	for i, item := range req.Content {
		if !analysis.HasContentType(item.Type) {
			analysis.ContentTypes = append(analysis.ContentTypes, item.Type)
		}

		switch item.Type {
		case models.ContentTypeText:
			tokens := a.tokenizer.EstimateTokens(item.Content)
			analysis.TokenCount += tokens
			if tokens > largeContentTokens {
				analysis.LargeContents++
			}
			analysis.CodeBlocks += len(reCodeBlock.FindAllString(item.Content, -1))
			analysis.Tables += len(reTable.FindAllString(item.Content, -1))
			analysis.URLs += len(reURL.FindAllString(item.Content, -1))

		case models.ContentTypeImage:
			analysis.ImageCount++

		case models.ContentTypeCode:
			analysis.CodeBlocks++
			analysis.TokenCount += a.tokenizer.EstimateTokens(item.Content)

		case models.ContentTypeJSON, models.ContentTypeHTML, models.ContentTypeXML, models.ContentTypeCSV:
			analysis.TokenCount += a.tokenizer.EstimateTokens(item.Content)

		case models.ContentTypePDF, models.ContentTypeDocument:
			analysis.DocumentPages += pageCount(item)

		default:
			itemErrs = append(itemErrs, models.ItemError{
				Index: i,
				Type:  item.Type,
				Err:   errUnknownContentType,
			})
		}
	}

	analysis.Complexity = a.estimateComplexity(req)

	if len(itemErrs) > 0 {
		err := &models.AnalysisError{Items: itemErrs}
		a.logger.Warn("content analysis skipped items",
			zap.String("request_id", req.ID),
			zap.Int("skipped", len(itemErrs)),
			zap.Error(err))
		return analysis, err
	}
	return analysis, nil
}

// estimateComplexity scores the request on a 0-1 scale by summing additive
// weights per content type and per detected feature, then clamping.
func (a *Analyzer) estimateComplexity(req *models.RoutingRequest) float64 {
	complexity := 0.0

	for _, item := range req.Content {
		switch item.Type {
		case models.ContentTypeText:
			textWeight := float64(len(item.Content)) / textSaturation * weightTextMax
			if textWeight > weightTextMax {
				textWeight = weightTextMax
			}
			complexity += textWeight

			if reCodeBlock.MatchString(item.Content) {
				complexity += weightCodeBlock
			}
			if reTable.MatchString(item.Content) {
				complexity += weightTable
			}
			if reURL.MatchString(item.Content) {
				complexity += weightURL
			}

		case models.ContentTypeImage:
			complexity += weightImage
		case models.ContentTypeCode:
			complexity += weightCode
		case models.ContentTypeJSON:
			complexity += weightJSON
		case models.ContentTypeHTML:
			complexity += weightHTML
		case models.ContentTypeXML:
			complexity += weightXML
		case models.ContentTypeCSV:
			complexity += weightCSV
		case models.ContentTypePDF, models.ContentTypeDocument:
			complexity += weightDocument
		}
	}

	if complexity > 1.0 {
		complexity = 1.0
	}
	return complexity
}

// pageCount reads the page_count metadata of a document item, defaulting to
// one page when the metadata is absent or malformed.
func pageCount(item models.ContentItem) int {
	if item.Metadata == nil {
		return 1
	}
	switch v := item.Metadata["page_count"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 1
	}
}
