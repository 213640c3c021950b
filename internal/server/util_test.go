package server

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeBase(c.in), "sanitizeBase(%q)", c.in)
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "generation-server", "whisper.v3"}
	invalid := []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "unicode한글"}
	for _, s := range valid {
		assert.True(t, isSafeName(s), s)
	}
	for _, s := range invalid {
		assert.False(t, isSafeName(s), s)
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	assert.True(t, isSafeAbsPath(""))
	assert.True(t, isSafeAbsPath(filepath.Join(os.TempDir(), "clip.wav")))
	assert.False(t, isSafeAbsPath("tmp/x"))
	sep := string(filepath.Separator)
	assert.False(t, isSafeAbsPath(os.TempDir()+sep+".."+sep+"etc"))
}

func TestUploadExt(t *testing.T) {
	assert.Equal(t, ".wav", uploadExt("clip.WAV"))
	assert.Equal(t, ".mp3", uploadExt("../../x/clip.mp3"))
	assert.Equal(t, "", uploadExt("clip"))
	assert.Equal(t, "", uploadExt("clip.w*v"))
	assert.Equal(t, "", uploadExt("clip.waytoolongext"))
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":1}`, rec.Body.String())
}
