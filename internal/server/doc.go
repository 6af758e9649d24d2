// Package server hosts the Fiber HTTP service: the request-id middleware,
// the reserved endpoint mount point and the catch-all that turns every other
// path into a DispatchResult through the ordered rule Registry before handing
// it to the proxy handler. Rule matching, remainder sanitization and target
// composition live here so the proxy layer only decides between redirect and
// proxy mode.
package server
