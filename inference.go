package stockify

import "context"

// InferenceClient performs one metadata-generation call for one image.
//
// Implementations report failures by wrapping one of ErrRateLimited,
// ErrUnavailable, ErrInvalid or ErrUnauthorized, preferably as an
// *InferenceError so a server-suggested retry delay can be carried along.
type InferenceClient interface {
	// Infer generates metadata for img using model.
	Infer(ctx context.Context, img Image, model string) (Metadata, error)
}
