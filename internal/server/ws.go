package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knoguchi/conceptindex/internal/dictionary"
	"github.com/knoguchi/conceptindex/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Browsers on other origins are allowed, matching the CORS policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dictionaryMetadata is the text frame following the uploaded file.
type dictionaryMetadata struct {
	Model            string `json:"model"`
	TerminologyName  string `json:"terminology_name"`
	VariableField    string `json:"variable_field"`
	DescriptionField string `json:"description_field"`
	Limit            *int   `json:"limit"`
	FileExtension    string `json:"file_extension"`
}

type wsMetadataMessage struct {
	Type          string `json:"type"`
	ExpectedTotal int    `json:"expected_total"`
}

type wsResultMessage struct {
	Type string `json:"type"`
	service.DictionaryResult
}

type wsErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// dictionaryWebSocket matches an uploaded data dictionary and streams one
// result frame per row. The client sends the file as a binary frame and
// then a JSON metadata frame.
func (h *handlers) dictionaryWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxUploadBytes)

	if err := h.streamDictionary(r, conn); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, errClientGone) {
			h.logger.Info("websocket client disconnected", "error", err)
			return
		}
		h.logger.Warn("dictionary stream failed", "error", err)
		message := err.Error()
		switch {
		case errors.Is(err, dictionary.ErrMissingColumn):
			message = missingColumnsDetail
		case errors.Is(err, dictionary.ErrUnsupportedFormat):
			message = unsupportedFormatDetail
		}
		conn.WriteJSON(wsErrorMessage{Type: "error", Message: message})
	}
	closeNormally(conn)
}

var errClientGone = errors.New("websocket client gone")

func (h *handlers) streamDictionary(r *http.Request, conn *websocket.Conn) error {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if kind != websocket.BinaryMessage {
		return fmt.Errorf("expected the data dictionary as a binary frame")
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var meta dictionaryMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}
	limit := defaultDictionaryLimit
	if meta.Limit != nil {
		limit = *meta.Limit
	}
	ext := strings.ToLower(meta.FileExtension)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if ext == "" {
		return errors.New("the uploaded file must have a valid extension")
	}

	entries, err := h.loadDictionary(bytes.NewReader(data), ext,
		orDefault(meta.VariableField, dictionary.DefaultVariableColumn),
		orDefault(meta.DescriptionField, dictionary.DefaultDescriptionColumn),
	)
	if err != nil {
		return err
	}

	if err := conn.WriteJSON(wsMetadataMessage{Type: "metadata", ExpectedTotal: len(entries)}); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}

	return h.Mappings.StreamDictionary(r.Context(), entries, meta.TerminologyName, meta.Model, limit, func(res service.DictionaryResult) error {
		if err := conn.WriteJSON(wsResultMessage{Type: "result", DictionaryResult: res}); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		return nil
	})
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
