package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteInterpolation(t *testing.T) {
	context := map[string]interface{}{
		"file":     "/in/report.csv",
		"fileName": "report.csv",
	}
	got := Substitute("processing {{.fileName}} at {{.file}}", context)
	assert.Equal(t, "processing report.csv at /in/report.csv", got)
}

func TestSubstituteSinglePlaceholderPreservesType(t *testing.T) {
	context := map[string]interface{}{
		"exitCode": float64(7),
		"success":  false,
		"args":     []interface{}{"a", "b"},
	}
	assert.Equal(t, float64(7), Substitute("{{.exitCode}}", context))
	assert.Equal(t, false, Substitute("{{.success}}", context))
	assert.Equal(t, []interface{}{"a", "b"}, Substitute("{{.args}}", context))
}

func TestSubstituteMissingKeyRendersEmpty(t *testing.T) {
	assert.Equal(t, "", Substitute("{{.nope}}", map[string]interface{}{}))
	assert.Equal(t, "x  y", Substitute("x {{.nope}} y", map[string]interface{}{}))
}

func TestSubstituteDottedPath(t *testing.T) {
	context := map[string]interface{}{
		"result": map[string]interface{}{
			"inner": map[string]interface{}{"value": "deep"},
		},
	}
	assert.Equal(t, "deep", Substitute("{{.result.inner.value}}", context))
}

func TestSubstituteDescendsIntoConfig(t *testing.T) {
	context := map[string]interface{}{"dest": "/out", "name": "f.txt"}
	config := map[string]interface{}{
		"destination": "{{.dest}}/{{.name}}",
		"nested": map[string]interface{}{
			"path": "{{.dest}}",
		},
		"list":  []interface{}{"{{.name}}", 3},
		"count": 3,
	}

	got := SubstituteConfig(config, context)
	assert.Equal(t, "/out/f.txt", got["destination"])
	assert.Equal(t, "/out", got["nested"].(map[string]interface{})["path"])
	assert.Equal(t, []interface{}{"f.txt", 3}, got["list"])
	assert.Equal(t, 3, got["count"])
}

func TestSubstituteIntegralNumberRendering(t *testing.T) {
	context := map[string]interface{}{"code": float64(2), "ratio": 1.5}
	assert.Equal(t, "exit 2", Substitute("exit {{.code}}", context))
	assert.Equal(t, "r=1.5", Substitute("r={{.ratio}}", context))
}
