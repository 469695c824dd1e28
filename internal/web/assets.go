package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

//go:embed assets/*
var assetFS embed.FS

// serveAsset は埋め込みの静的ファイルを返します。Content-Type は中身から判定します。
func serveAsset(c *gin.Context) {
	name := strings.TrimPrefix(path.Clean("/"+c.Param("filepath")), "/")
	if name == "" || name == "." {
		c.Status(http.StatusNotFound)
		return
	}

	data, err := fs.ReadFile(assetFS, "assets/"+name)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, detectContentType(name, data), data)
}

func detectContentType(name string, data []byte) string {
	mtype := mimetype.Detect(data)
	// SVG は XML として判定されることがあるため拡張子を優先する
	if strings.EqualFold(path.Ext(name), ".svg") && !mtype.Is("image/svg+xml") {
		return "image/svg+xml"
	}
	if strings.EqualFold(path.Ext(name), ".css") {
		return "text/css; charset=utf-8"
	}
	return mtype.String()
}
