// Package server assembles entitled from configuration: the repository, the
// decision cache, the authorizer, the HTTP routes and the background jobs
// that keep caches coherent.
package server
