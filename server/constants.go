package server

import (
	"time"

	"github.com/dotside-studios/davi-nfcd/buildinfo"
)

// mDNS service discovery constants
var (
	MDNSServiceType = "_davi-nfcd._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)

const (
	// requestTimeout bounds one control-plane operation, queue wait included.
	requestTimeout = 10 * time.Second

	// writeTimeout bounds one websocket write.
	writeTimeout = 5 * time.Second

	// pushQueueSize is how many hceEvent pushes may wait for one connection.
	pushQueueSize = 32

	// maxMessageSize caps incoming websocket messages.
	maxMessageSize = 64 * 1024
)
