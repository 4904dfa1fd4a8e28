package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKnown(t *testing.T) {
	assert.True(t, Known("gemini-auto"))
	assert.True(t, Known("gemini-2.5-pro"))
	assert.True(t, Known(ModelImagen))
	assert.False(t, Known("gpt-4"))
	assert.False(t, Known(""))
}

func TestUpstreamModelID(t *testing.T) {
	assert.Equal(t, "gemini-2.5-flash", UpstreamModelID("gemini-2.5-flash"))
	assert.Empty(t, UpstreamModelID("gemini-auto"))
	assert.Empty(t, UpstreamModelID(ModelVeo))
}

func TestModelsOrderStable(t *testing.T) {
	models := Models()
	assert.Equal(t, "gemini-auto", models[0])
	assert.Equal(t, ModelVeo, models[len(models)-1])
	for _, m := range models {
		assert.True(t, Known(m), m)
	}

	// Callers must not be able to mutate the catalogue.
	models[0] = "tampered"
	assert.Equal(t, "gemini-auto", Models()[0])
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, QuotaImages, ClassOf(ModelImagen))
	assert.Equal(t, QuotaVideos, ClassOf(ModelVeo))
	assert.Equal(t, QuotaText, ClassOf("gemini-2.5-pro"))
	assert.Equal(t, QuotaImages, ClassOf("imagen-4"))
	assert.Equal(t, QuotaVideos, ClassOf("veo-3"))
	assert.Equal(t, QuotaText, ClassOf("unknown-model"))
}
