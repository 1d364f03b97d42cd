package origin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// FSOrigin serves resources from a directory, typically a static build output.
type FSOrigin struct {
	fs afero.Fs
}

// NewFSOrigin creates an origin serving files from the root of fsys.
// Use afero.NewBasePathFs to serve a subdirectory.
func NewFSOrigin(fsys afero.Fs) *FSOrigin {
	return &FSOrigin{fs: fsys}
}

// NewDirOrigin creates an origin serving files from the given directory on disk.
func NewDirOrigin(dir string) *FSOrigin {
	return NewFSOrigin(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

func (o *FSOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return response(r, http.StatusMethodNotAllowed, "text/plain; charset=utf-8", nil), nil
	}
	name := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/") {
		name = path.Join(name, "index.html")
	} else if isDir, _ := afero.IsDir(o.fs, name); isDir {
		name = path.Join(name, "index.html")
	}
	data, err := afero.ReadFile(o.fs, name)
	if errors.Is(err, fs.ErrNotExist) {
		return response(r, http.StatusNotFound, "text/plain; charset=utf-8", []byte("404 page not found\n")), nil
	} else if err != nil {
		return nil, err
	}
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if r.Method == http.MethodHead {
		data = nil
	}
	return response(r, http.StatusOK, contentType, data), nil
}

func response(r *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
