package services

import (
	"context"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// segmentName names the segment of one background operation, or returns ""
// when tracing is off.
func segmentName(base, op string) string {
	if base == "" {
		return ""
	}
	return base + "." + op
}

// traceBackground opens an X-Ray segment for work that has no incoming
// request, so the Capture, Client and AWS subsegments below it are recorded.
// An empty name leaves ctx untraced and returns a nil segment.
func traceBackground(ctx context.Context, name string) (context.Context, *xray.Segment) {
	if name == "" {
		return ctx, nil
	}
	return xray.BeginSegment(ctx, name)
}

func annotate(seg *xray.Segment, key string, value interface{}) {
	if seg != nil {
		seg.AddAnnotation(key, value)
	}
}

func closeSegment(seg *xray.Segment, err error) {
	if seg != nil {
		seg.Close(err)
	}
}
