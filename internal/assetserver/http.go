package assetserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errs "github.com/ptolstoi/ntypool/errors"
	"github.com/ptolstoi/ntypool/pool"
)

var (
	contentType = "content-type"
)

func (app *App) initHTTP() {
	app.router = httprouter.New()
	app.router.GET("/v1/asset/*name", app.serveAsset)
	app.router.GET("/v1/title/:title", app.serveTitle)
	app.router.GET("/v1/volumes", app.serveVolumes)
	app.router.DELETE("/v1/volumes/:id/cache", app.invalidateVolume)
	app.router.Handler("GET", "/metrics", promhttp.HandlerFor(app.gatherer, promhttp.HandlerOpts{}))
}

func (app *App) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set(contentType, "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{
		Error: message,
	})
}

func (app *App) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set(contentType, "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Warn("writing response failed", "error", err)
	}
}

func (app *App) serveAsset(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	noCache := len(r.URL.Query()["noCache"]) != 0
	name := strings.TrimPrefix(ps.ByName("name"), "/")

	v, _, ok := app.pool.FindVolumeByName(pool.NewAssetUnit(name, nil))
	if !ok {
		app.writeError(w, http.StatusNotFound, "file not found")
		return
	}

	var (
		file *file
		err  error
	)
	if !noCache {
		file, err = app.getFileFromCache(name, fileType(v))
	}
	if err == nil && file == nil {
		file, err = app.noFileInCache(v, name)
	}

	switch {
	case errors.Is(err, errs.ErrNotFound):
		app.writeError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		app.logger.Error("serving asset failed", "name", name, "error", err)
		app.writeError(w, http.StatusInternalServerError, fmt.Sprintf("error during lookup of file %v: %v", name, err))
		return
	}

	app.logger.Debug("file found", "file", file.file, "fileType", file.fileType, "lastModified", file.lastModified)

	headers := w.Header()
	headers.Set(contentType, file.contentType())
	headers.Set("last-modified", file.lastModified.Format(http.TimeFormat))
	headers.Set("content-length", strconv.Itoa(len(file.content)))
	_, _ = w.Write(file.content)
}

// serveTitle redirects to the asset carrying title. The search starts at
// the volume named by ?from=<id>, or the first attached volume.
func (app *App) serveTitle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	title := ps.ByName("title")

	origin, err := app.titleOrigin(r.URL.Query().Get("from"))
	if err != nil {
		app.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if origin == nil {
		app.writeError(w, http.StatusNotFound, "title not found")
		return
	}

	id, v, status := origin.FindByTitle(title)
	if status == pool.TitleNotFound {
		app.writeError(w, http.StatusNotFound, "title not found")
		return
	}
	entries := v.Reader().Entries()
	if int(id) >= len(entries) {
		app.writeError(w, http.StatusInternalServerError, "title index out of range")
		return
	}

	w.Header().Set("x-title-status", status.String())
	http.Redirect(w, r, "/v1/asset/"+url.PathEscape(entries[id].Name), http.StatusTemporaryRedirect)
}

func (app *App) titleOrigin(from string) (*pool.Volume, error) {
	if from == "" {
		volumes := app.pool.Volumes()
		if len(volumes) == 0 {
			return nil, nil
		}
		return volumes[0], nil
	}
	id, err := strconv.ParseUint(from, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid volume id %q", from)
	}
	v, _ := app.pool.VolumeByID(uint32(id))
	return v, nil
}

type volumeInfo struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	BuildID  uint32 `json:"buildId"`
	Segments int    `json:"segments"`
	Assets   int    `json:"assets"`
	Cached   int    `json:"cached"`
	Loads    int64  `json:"loads"`
	UseCache bool   `json:"useCache"`
}

func (app *App) serveVolumes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	infos := []volumeInfo{}
	for _, v := range app.pool.Volumes() {
		infos = append(infos, volumeInfo{
			ID:       v.ID(),
			Name:     v.Name(),
			Path:     v.Path(),
			BuildID:  v.Reader().BuildID(),
			Segments: v.SegmentCount(),
			Assets:   len(v.Reader().Entries()),
			Cached:   v.Store().Size(),
			Loads:    v.Loads(),
			UseCache: v.UseCache(),
		})
	}
	app.writeJSON(w, struct {
		Volumes []volumeInfo `json:"volumes"`
		Global  int          `json:"global"`
	}{
		Volumes: infos,
		Global:  app.pool.CacheManager().Size(),
	})
}

func (app *App) invalidateVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseUint(ps.ByName("id"), 10, 32)
	if err != nil {
		app.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid volume id %q", ps.ByName("id")))
		return
	}
	v, ok := app.pool.VolumeByID(uint32(id))
	if !ok {
		app.writeError(w, http.StatusNotFound, "volume not found")
		return
	}

	if err := app.pool.InvalidateVolume(v.ID()); err != nil {
		app.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := app.DropExports(v); err != nil {
		app.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
