package pkg

import "fmt"

var (
	// These variables are here only to show current version. They are set in makefile during build process
	XcpoolVersion         = "devel"
	GitRevision           = "devel"
	XcpoolVersionRevision = fmt.Sprintf("%s-%s", XcpoolVersion, GitRevision)
)
