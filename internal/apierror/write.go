package apierror

import (
	"errors"
	"net/http"

	jsonwriter "github.com/dgellow/token-handler/internal/json"
	"github.com/dgellow/token-handler/internal/log"
	"github.com/dgellow/token-handler/internal/metrics"
)

// Write records err on the request log entry and writes the JSON error body
func Write(w http.ResponseWriter, r *http.Request, err error) {
	entry := log.EntryFromContext(r.Context())

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		entry.SetClientError(clientErr.Code, clientErr.Details)
		metrics.ErrorsTotal.WithLabelValues("client", clientErr.Code).Inc()
		jsonwriter.WriteError(w, clientErr.Status, clientErr.Code, clientErr.Message)
		return
	}

	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		serverErr = Internal(err)
	}

	details := map[string]any{}
	for k, v := range serverErr.Details {
		details[k] = v
	}
	if serverErr.Err != nil {
		details["cause"] = serverErr.Err.Error()
	}
	entry.SetServerError(serverErr.Code, serverErr.InstanceID, details)
	metrics.ErrorsTotal.WithLabelValues("server", serverErr.Code).Inc()

	status := serverErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	jsonwriter.WriteErrorWithID(w, status, serverErr.Code, genericServerMessage, serverErr.InstanceID)
}
