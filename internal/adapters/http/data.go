package httpadapter

import (
	"net/http"
)

const maxUploadBytes = 512 << 20

func (rt *Router) readData(w http.ResponseWriter, r *http.Request) {
	preview, err := rt.svc.Dataset.Preview(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (rt *Router) readWorkbook(w http.ResponseWriter, r *http.Request) {
	preview, err := rt.svc.Dataset.Workbook(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (rt *Router) uploadData(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	key, err := rt.svc.Dataset.Upload(r.Context(), fileHeader.Filename, file)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"filename": key,
		"size":     fileHeader.Size,
	})
}
