// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy implements the recording MITM HTTP/HTTPS proxy: it accepts
// plain HTTP requests and CONNECT tunnels, forwards each to its real origin,
// and appends every request/response pair it observes to an in-memory
// recorder for later persistence as a snapshot.
package proxy
