package main

import (
	"embed"
	"io/fs"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
)

//go:embed static
var staticFiles embed.FS

// getFileSystem serves the web UI from the binary, or from ./static when
// useOS is set so the page can be edited without rebuilding.
func getFileSystem(useOS bool) http.FileSystem {
	if useOS {
		return http.FS(os.DirFS("static"))
	}

	fsys, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}

	return http.FS(fsys)
}

func registerStaticHandler(e *echo.Echo, useOS bool) {
	assetHandler := http.FileServer(getFileSystem(useOS))
	e.GET("/", echo.WrapHandler(assetHandler))
	e.GET("/static/*", echo.WrapHandler(http.StripPrefix("/static/", assetHandler)))
}
