package log

import "context"

type contextKey struct{}

// Entry accumulates the details of a single request. Handlers fill it in as
// they go and the logging middleware writes it out once the response is done.
// An Entry belongs to one request and is not safe for concurrent use.
type Entry struct {
	correlationID string
	route         string
	routeKind     string
	operation     string
	userID        string
	sessionID     string
	errorCode     string
	instanceID    string
	errorDetails  map[string]any
	serverError   bool
}

// NewEntry creates an entry for a request with the given correlation id
func NewEntry(correlationID string) *Entry {
	return &Entry{correlationID: correlationID}
}

// WithEntry stores the entry in ctx
func WithEntry(ctx context.Context, e *Entry) context.Context {
	return context.WithValue(ctx, contextKey{}, e)
}

// EntryFromContext returns the request entry, or a detached one when none was
// installed so callers never need a nil check.
func EntryFromContext(ctx context.Context) *Entry {
	if e, ok := ctx.Value(contextKey{}).(*Entry); ok {
		return e
	}
	return &Entry{}
}

func (e *Entry) CorrelationID() string {
	return e.correlationID
}

// SetRoute records the matched route prefix and its kind
func (e *Entry) SetRoute(path, kind string) {
	e.route = path
	e.routeKind = kind
}

// RouteKind returns the kind of the matched route, or "none"
func (e *Entry) RouteKind() string {
	if e.routeKind == "" {
		return "none"
	}
	return e.routeKind
}

func (e *Entry) SetOperationName(name string) {
	e.operation = name
}

// SetUserInfo records the subject and session id taken from the ID token
func (e *Entry) SetUserInfo(subject, sessionID string) {
	e.userID = subject
	e.sessionID = sessionID
}

func (e *Entry) SetClientError(code string, details map[string]any) {
	e.errorCode = code
	e.errorDetails = details
	e.serverError = false
}

func (e *Entry) SetServerError(code, instanceID string, details map[string]any) {
	e.errorCode = code
	e.instanceID = instanceID
	e.errorDetails = details
	e.serverError = true
}

// Fields returns the entry as log fields. Empty values are omitted.
func (e *Entry) Fields() map[string]any {
	fields := map[string]any{}
	if e.correlationID != "" {
		fields["correlation_id"] = e.correlationID
	}
	if e.route != "" {
		fields["route"] = e.route
		fields["route_kind"] = e.routeKind
	}
	if e.operation != "" {
		fields["operation"] = e.operation
	}
	if e.userID != "" {
		fields["user_id"] = e.userID
	}
	if e.sessionID != "" {
		fields["session_id"] = e.sessionID
	}
	if e.errorCode != "" {
		fields["error_code"] = e.errorCode
		if e.serverError {
			fields["error_kind"] = "server"
			fields["instance_id"] = e.instanceID
		} else {
			fields["error_kind"] = "client"
		}
		for k, v := range e.errorDetails {
			fields["error_"+k] = v
		}
	}
	return fields
}

// HasServerError reports whether a server error was recorded
func (e *Entry) HasServerError() bool {
	return e.serverError
}
