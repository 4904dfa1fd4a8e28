// Package registry maintains the model catalogue exposed through the OpenAI
// surface and its mapping onto upstream generation settings.
package registry

import "strings"

// QuotaClass partitions upstream rate limits by media type.
type QuotaClass string

const (
	QuotaText   QuotaClass = "text"
	QuotaImages QuotaClass = "images"
	QuotaVideos QuotaClass = "videos"
)

// Virtual model ids that replace the tool set instead of selecting an
// upstream model.
const (
	ModelImagen = "gemini-imagen"
	ModelVeo    = "gemini-veo"
)

// modelMapping maps the public model id to the upstream
// assistGenerationConfig.modelId. An empty value means the field is omitted
// and upstream picks automatically.
var modelMapping = map[string]string{
	"gemini-auto":            "",
	"gemini-2.5-flash":       "gemini-2.5-flash",
	"gemini-2.5-pro":         "gemini-2.5-pro",
	"gemini-3-flash-preview": "gemini-3-flash-preview",
	"gemini-3-pro-preview":   "gemini-3-pro-preview",
	"gemini-3.1-pro-preview": "gemini-3.1-pro-preview",
	ModelImagen:              "",
	ModelVeo:                 "",
}

// modelOrder keeps /v1/models listing stable.
var modelOrder = []string{
	"gemini-auto",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-3-flash-preview",
	"gemini-3-pro-preview",
	"gemini-3.1-pro-preview",
	ModelImagen,
	ModelVeo,
}

// Known reports whether the public model id is served.
func Known(model string) bool {
	_, ok := modelMapping[model]
	return ok
}

// UpstreamModelID returns the upstream model id for a public id; empty when
// upstream should auto-select.
func UpstreamModelID(model string) string {
	return modelMapping[model]
}

// Models returns the public model ids in listing order.
func Models() []string {
	out := make([]string, len(modelOrder))
	copy(out, modelOrder)
	return out
}

// ClassOf derives the quota class from the public model id.
func ClassOf(model string) QuotaClass {
	switch model {
	case ModelImagen:
		return QuotaImages
	case ModelVeo:
		return QuotaVideos
	}
	if strings.Contains(model, "imagen") {
		return QuotaImages
	}
	if strings.Contains(model, "veo") {
		return QuotaVideos
	}
	return QuotaText
}
