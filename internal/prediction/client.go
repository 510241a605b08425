package prediction

import (
	"context"
	"time"
)

// File is the image payload of a prediction request.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Empty reports whether there is nothing to submit.
func (f File) Empty() bool {
	return len(f.Data) == 0
}

// Client submits an image to the classification service for one domain.
type Client interface {
	Submit(ctx context.Context, domain Domain, file File) (*Result, error)
}

// Outcome is a resolved prediction request, successful or not.
type Outcome struct {
	RequestID   string
	Viewer      string
	Domain      Domain
	FileName    string
	FileSHA1    string
	Result      *Result
	Err         *Error
	Latency     time.Duration
	CompletedAt time.Time
}

// Succeeded reports whether the outcome carries a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil
}

type requestIDKey struct{}

// WithRequestID attaches the request identifier used for logs and headers.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFrom returns the identifier set by WithRequestID, if any.
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
