package analyzer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/semantrix/modelrouter/internal/models"
	"go.uber.org/zap"
)

var errUnknownContentType = errors.New("unknown content type")

// ExtractItems splits a raw text payload into structured content items:
// image URLs, base64 images (with opportunistic metadata), fenced blocks
// typed by their language tag, and the residual text.
func (a *Analyzer) ExtractItems(raw string) []models.ContentItem {
	var items []models.ContentItem

	for _, url := range reImageURL.FindAllString(raw, -1) {
		items = append(items, models.ContentItem{
			Type:     models.ContentTypeImage,
			Content:  url,
			Metadata: map[string]interface{}{"source": "url"},
		})
	}

	for _, img := range reBase64Image.FindAllString(raw, -1) {
		items = append(items, models.ContentItem{
			Type:     models.ContentTypeImage,
			Content:  img,
			Metadata: a.extractImageMetadata(img),
		})
	}

	for _, block := range reCodeBlock.FindAllString(raw, -1) {
		lines := strings.Split(block, "\n")
		lang := strings.TrimPrefix(lines[0], "```")

		var ct models.ContentType
		switch lang {
		case "json":
			ct = models.ContentTypeJSON
		case "html":
			ct = models.ContentTypeHTML
		case "xml":
			ct = models.ContentTypeXML
		case "csv":
			ct = models.ContentTypeCSV
		default:
			ct = models.ContentTypeCode
		}

		items = append(items, models.ContentItem{
			Type:     ct,
			Content:  strings.Join(lines[1:len(lines)-1], "\n"),
			Metadata: map[string]interface{}{"language": lang},
		})
	}

	// Strip what was already extracted so the residual text is not counted
	// twice.
	residual := reCodeBlock.ReplaceAllString(raw, "")
	residual = reBase64Image.ReplaceAllString(residual, "")
	if s := strings.TrimSpace(residual); s != "" {
		items = append(items, models.ContentItem{
			Type:    models.ContentTypeText,
			Content: s,
		})
	}

	return items
}

// extractImageMetadata decodes a base64 image data URI and reports
// width/height/format/size/aspect ratio. Extraction is opportunistic:
// any failure returns whatever was gathered so far and the image is simply
// carried without metadata.
func (a *Analyzer) extractImageMetadata(dataURI string) map[string]interface{} {
	metadata := map[string]interface{}{}

	payload := dataURI
	if idx := strings.Index(dataURI, "base64,"); idx >= 0 {
		payload = dataURI[idx+len("base64,"):]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		a.logger.Warn("failed to decode base64 image", zap.Error(err))
		return metadata
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		a.logger.Warn("failed to read image dimensions", zap.Error(err))
		return metadata
	}

	metadata["width"] = cfg.Width
	metadata["height"] = cfg.Height
	metadata["format"] = format
	metadata["size"] = len(raw)
	if cfg.Height > 0 {
		metadata["aspect_ratio"] = float64(cfg.Width) / float64(cfg.Height)
	} else {
		metadata["aspect_ratio"] = 0.0
	}
	return metadata
}
