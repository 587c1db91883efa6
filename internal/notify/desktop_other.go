//go:build !darwin

package notify

// Desktop is only implemented on macOS; elsewhere the channel is skipped.
func Desktop() Sender { return nil }
