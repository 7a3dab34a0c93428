package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/knoguchi/conceptindex/internal/auth"
	"github.com/knoguchi/conceptindex/internal/dictionary"
	"github.com/knoguchi/conceptindex/internal/repository"
	"github.com/knoguchi/conceptindex/internal/tasks"
)

const (
	defaultPageLimit       = 10
	defaultDictionaryLimit = 1
)

// missingColumnsDetail is returned for data dictionaries lacking a requested column.
const missingColumnsDetail = "Missing required column(s): 'description' and/or 'variable'."

const unsupportedFormatDetail = "Unsupported file type. Upload a CSV, TSV, Excel or JSON data dictionary."

// intParam reads an integer query or form value, falling back to def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func formValue(r *http.Request, name, def string) string {
	if v := strings.TrimSpace(r.FormValue(name)); v != "" {
		return v
	}
	return def
}

func requiredParams(r *http.Request, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var missing []string
	for _, n := range names {
		v := r.URL.Query().Get(n)
		if strings.TrimSpace(v) == "" {
			missing = append(missing, n)
			continue
		}
		values[n] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required parameter(s): %s", strings.Join(missing, ", "))
	}
	return values, nil
}

func (h *handlers) getVisualization(w http.ResponseWriter, r *http.Request) {
	html, err := h.Plot.Get(r.Context())
	if err != nil {
		h.logger.Error("failed to render visualization", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}

func (h *handlers) refreshVisualization(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Plot.Refresh(r.Context()); err != nil {
		h.logger.Error("failed to refresh visualization", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logWrite(r, "visualization refreshed")
	writeMessage(w, "DB visualization plot has been updated successfully")
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.Mappings.Models(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *handlers) listTerminologies(w http.ResponseWriter, r *http.Request) {
	terms, err := h.Mappings.ListTerminologies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, terms)
}

func (h *handlers) createTerminology(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := r.URL.Query().Get("name")
	if err := h.Mappings.CreateTerminology(r.Context(), id, name); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create terminology: "+err.Error())
		return
	}
	h.logWrite(r, "terminology stored", "terminology_id", id)
	writeMessage(w, fmt.Sprintf("Terminology %s created successfully", id))
}

func (h *handlers) listConcepts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	concepts, err := h.Mappings.ListConcepts(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, concepts)
}

func (h *handlers) countConcepts(w http.ResponseWriter, r *http.Request) {
	n, err := h.Mappings.CountConcepts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *handlers) createConcept(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	params, err := requiredParams(r, "concept_name", "terminology_name")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if _, err := h.Mappings.CreateConcept(r.Context(), id, params["concept_name"], params["terminology_name"]); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create concept: "+err.Error())
		return
	}
	h.logWrite(r, "concept stored", "concept_id", id)
	writeMessage(w, fmt.Sprintf("Concept %s created successfully", id))
}

func (h *handlers) createConceptWithMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	params, err := requiredParams(r, "concept_name", "terminology_name", "text")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	model := r.URL.Query().Get("model")
	err = h.Mappings.AttachMapping(r.Context(), id, params["concept_name"], params["terminology_name"], params["text"], model)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create concept: "+err.Error())
		return
	}
	h.logWrite(r, "concept stored", "concept_id", id)
	writeMessage(w, fmt.Sprintf("Concept %s created successfully", id))
}

func (h *handlers) listMappings(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	mappings, err := h.Mappings.ListMappings(r.Context(), r.URL.Query().Get("model"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (h *handlers) countMappings(w http.ResponseWriter, r *http.Request) {
	n, err := h.Mappings.CountMappings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *handlers) createMapping(w http.ResponseWriter, r *http.Request) {
	params, err := requiredParams(r, "concept_id", "text")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	err = h.Mappings.CreateMapping(r.Context(), params["concept_id"], params["text"], r.URL.Query().Get("model"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create mapping: "+err.Error())
		return
	}
	h.logWrite(r, "mapping stored", "concept_id", params["concept_id"])
	writeMessage(w, "Mapping created successfully")
}

func (h *handlers) closestForText(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	text := r.FormValue("text")
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing required field: text")
		return
	}

	matches, err := h.Mappings.ClosestForText(r.Context(), text, r.FormValue("terminology_name"), r.FormValue("model"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to get closest mappings: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *handlers) closestForDictionary(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "No file was provided. Please upload a valid file.")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil || header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file was provided. Please upload a valid file.")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		writeError(w, http.StatusBadRequest, "The uploaded file must have a valid extension.")
		return
	}

	limit, err := intParam(r, "limit", defaultDictionaryLimit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	entries, err := h.loadDictionary(file, ext,
		formValue(r, "variable_field", dictionary.DefaultVariableColumn),
		formValue(r, "description_field", dictionary.DefaultDescriptionColumn),
	)
	if err != nil {
		h.writeDictionaryError(w, err)
		return
	}

	results, err := h.Mappings.ClosestForDictionary(r.Context(), entries, r.FormValue("terminology_name"), r.FormValue("model"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// loadDictionary stages an upload on disk and parses it. The staged file is
// always removed.
func (h *handlers) loadDictionary(r io.Reader, ext, variableField, descriptionField string) ([]dictionary.Entry, error) {
	path, cleanup, err := dictionary.SaveTemp(r, ext)
	defer cleanup()
	if err != nil {
		return nil, err
	}
	return dictionary.Load(path, variableField, descriptionField)
}

func (h *handlers) writeDictionaryError(w http.ResponseWriter, err error) {
	if errors.Is(err, dictionary.ErrMissingColumn) {
		writeError(w, http.StatusUnprocessableEntity, missingColumnsDetail)
		return
	}
	if errors.Is(err, dictionary.ErrUnsupportedFormat) {
		writeError(w, http.StatusBadRequest, unsupportedFormatDetail)
		return
	}
	h.logger.Warn("failed to load data dictionary", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *handlers) importTerminology(w http.ResponseWriter, r *http.Request) {
	params, err := requiredParams(r, "terminology_id")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	id, model := params["terminology_id"], r.URL.Query().Get("model")
	h.Runner.Go("import terminology "+id, func(ctx context.Context) error {
		return h.Importer.ImportTerminology(ctx, id, id, model)
	})
	h.logWrite(r, "import queued", "terminology_id", id)
	writeMessage(w, fmt.Sprintf("%s import started in the background", id))
}

func (h *handlers) importSNOMED(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	h.Runner.Go("import snomed", func(ctx context.Context) error {
		return h.Importer.ImportSNOMED(ctx, model)
	})
	h.logWrite(r, "import queued", "terminology_id", tasks.SNOMEDOntologyID)
	writeMessage(w, "SNOMED CT import started in the background")
}

func (h *handlers) importJSONL(w http.ResponseWriter, r *http.Request) {
	objectType, err := repository.ParseObjectType(r.URL.Query().Get("object_type"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid file type. Only JSONL files are accepted.")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil || !strings.HasSuffix(header.Filename, ".jsonl") {
		writeError(w, http.StatusBadRequest, "Invalid file type. Only JSONL files are accepted.")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}
	h.Runner.Go("import jsonl "+string(objectType), func(ctx context.Context) error {
		return h.Importer.ImportJSONL(ctx, data, objectType)
	})
	h.logWrite(r, "import queued", "object_type", objectType)
	writeMessage(w, "JSONL import started in the background")
}

// logWrite records an accepted write together with the authenticated writer.
func (h *handlers) logWrite(r *http.Request, msg string, args ...any) {
	if writer, ok := auth.WriterFromContext(r.Context()); ok {
		args = append(args, "writer", writer.Subject, "auth_method", writer.Method)
	}
	h.logger.Info(msg, args...)
}
