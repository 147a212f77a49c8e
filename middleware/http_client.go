package middleware

import (
	"net/http"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// GetCustomXRayHTTPClient wraps client so outbound calls show up as X-Ray
// subsegments of the calling execution.
func GetCustomXRayHTTPClient(client *http.Client) *http.Client {
	return xray.Client(client)
}
