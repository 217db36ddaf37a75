package assetserver

import (
	"bytes"
	"mime"
	"path"
	"time"

	"github.com/ptolstoi/ntypool/pool"
)

type file struct {
	file         string
	content      []byte
	fileType     string
	lastModified time.Time
}

func (f *file) contentType() string {
	if t := mime.TypeByExtension(path.Ext(f.file)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// fileType keys export cache rows by the volume the asset came from, so
// invalidating one volume drops exactly its rows.
func fileType(v *pool.Volume) string {
	if v.Path() != "" {
		return "vol:" + v.Path()
	}
	return "vol:" + v.Name()
}

// noFileInCache extracts name from v and stores the result in the export
// cache.
func (app *App) noFileInCache(v *pool.Volume, name string) (*file, error) {
	var buffer bytes.Buffer
	if err := v.Extract(name, &buffer, 0); err != nil {
		return nil, err
	}

	newFile := file{
		file:         name,
		content:      buffer.Bytes(),
		fileType:     fileType(v),
		lastModified: time.Now().UTC().Truncate(time.Second),
	}

	if err := app.saveFileToCache(&newFile); err != nil {
		return nil, err
	}

	return &newFile, nil
}

// DropExports removes the export cache rows of v. It is called when v's
// tiers are invalidated.
func (app *App) DropExports(v *pool.Volume) error {
	n, err := app.deleteFilesOfType(fileType(v))
	if err != nil {
		return err
	}
	app.logger.Info("export cache dropped", "volume", v.Name(), "rows", n)
	return nil
}
