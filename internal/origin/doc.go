// Package origin retrieves resources from the single upstream server that the
// cache mirrors. Fetches are bounded by a byte budget that is enforced both on
// the declared Content-Length and on the streamed body.
package origin
