// Package httputil provides the JSON response, request parsing and
// middleware helpers shared by the HTTP handlers.
//
// Responses:
//
//	httputil.WriteJSON(w, http.StatusOK, result)
//	httputil.WriteBadRequest(w, "invalid principal id")
//	httputil.WriteServiceUnavailable(w, "permission store unavailable")
//
// Errors are always a JSON object with an "error" message and, where the
// caller supplies one, a machine readable "code".
//
// Requests:
//
//	principal, ok := httputil.ParsePathUUIDOrError(w, r, "id")
//	if !ok {
//		return
//	}
//
// Middleware is composed with Chain:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
